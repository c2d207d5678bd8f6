package publisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	log "github.com/sirupsen/logrus"

	"reposter/config"
)

var errNotReady = errors.New("media still processing")

func normalizeMediaConfig(cfg config.MediaConfig) config.MediaConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.RetryMaxDelay < cfg.RetryDelay {
		cfg.RetryMaxDelay = cfg.RetryDelay
	}
	if cfg.PollInitial <= 0 {
		cfg.PollInitial = 2 * time.Second
	}
	if cfg.PollMax < cfg.PollInitial {
		cfg.PollMax = cfg.PollInitial
	}
	if cfg.PollWindow <= 0 {
		cfg.PollWindow = 5 * time.Minute
	}
	return cfg
}

// UploadMedia runs SocialBu's three-step upload (init, PUT to the signed URL,
// poll for the upload token) and returns the token. The whole sequence,
// including the download, is retried up to MaxAttempts times.
func (s *SocialBu) UploadMedia(ctx context.Context, mediaURL string) (string, error) {
	if s.downloader == nil {
		return "", fmt.Errorf("no media downloader configured")
	}

	policy := retrypolicy.NewBuilder[string]().
		WithMaxRetries(s.mediaCfg.MaxAttempts - 1).
		WithBackoff(s.mediaCfg.RetryDelay, s.mediaCfg.RetryMaxDelay).
		HandleIf(func(_ string, err error) bool {
			return err != nil && ctx.Err() == nil
		}).
		Build()

	attempt := 0
	token, err := failsafe.With[string](policy).WithContext(ctx).Get(func() (string, error) {
		attempt++
		token, err := s.uploadOnce(ctx, mediaURL)
		if err != nil {
			log.Warnf("Media upload attempt %d/%d failed: %v", attempt, s.mediaCfg.MaxAttempts, err)
		}
		return token, err
	})

	s.metrics.MediaUpload(err == nil)
	if err != nil {
		return "", fmt.Errorf("media upload failed after %d attempts: %w", attempt, err)
	}
	return token, nil
}

func (s *SocialBu) uploadOnce(ctx context.Context, mediaURL string) (string, error) {
	file, err := s.downloader.Download(ctx, mediaURL)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	log.Debugf("Downloaded media %s (%.2f MB)", file.Name, float64(len(file.Data))/(1024*1024))

	signedURL, key, err := s.initUpload(ctx, file.Name, file.ContentType)
	if err != nil {
		return "", fmt.Errorf("init upload: %w", err)
	}

	if err := s.putSigned(ctx, signedURL, file.Data, file.ContentType); err != nil {
		return "", fmt.Errorf("transfer: %w", err)
	}

	token, err := s.waitForToken(ctx, key)
	if err != nil {
		return "", fmt.Errorf("processing: %w", err)
	}
	return token, nil
}

func (s *SocialBu) initUpload(ctx context.Context, name, mimeType string) (string, string, error) {
	resp, err := s.call(ctx, "POST", "/upload_media", map[string]string{
		"name":      name,
		"mime_type": mimeType,
	})
	if err != nil {
		return "", "", err
	}
	if !resp.ok() {
		return "", "", fmt.Errorf("status %d: %s", resp.status, truncate(string(resp.body), 200))
	}

	var out struct {
		SignedURL string `json:"signed_url"`
		Key       string `json:"key"`
	}
	if err := decodeObject(resp.body, &out); err != nil {
		return "", "", err
	}
	if out.SignedURL == "" || out.Key == "" {
		return "", "", fmt.Errorf("response missing signed_url or key")
	}
	return out.SignedURL, out.Key, nil
}

func (s *SocialBu) putSigned(ctx context.Context, signedURL string, data []byte, mimeType string) error {
	req, err := http.NewRequestWithContext(ctx, "PUT", signedURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Content-Length", strconv.Itoa(len(data)))
	req.Header.Set("x-amz-acl", "private")

	resp, err := s.media.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// waitForToken polls the status endpoint with a 1.2x growing interval,
// capped at PollMax, until a token appears or PollWindow has passed.
func (s *SocialBu) waitForToken(ctx context.Context, key string) (string, error) {
	policy := retrypolicy.NewBuilder[string]().
		WithMaxRetries(-1).
		WithMaxDuration(s.mediaCfg.PollWindow).
		WithBackoffFactor(s.mediaCfg.PollInitial, s.mediaCfg.PollMax, 1.2).
		HandleIf(func(token string, err error) bool {
			return (err != nil || token == "") && ctx.Err() == nil
		}).
		Build()

	return failsafe.With[string](policy).WithContext(ctx).Get(func() (string, error) {
		return s.checkStatus(ctx, key)
	})
}

func (s *SocialBu) checkStatus(ctx context.Context, key string) (string, error) {
	resp, err := s.call(ctx, "GET", "/upload_media/status?key="+url.QueryEscape(key), nil)
	if err != nil {
		return "", err
	}
	if !resp.ok() {
		return "", fmt.Errorf("status %d", resp.status)
	}

	var out struct {
		Success     bool   `json:"success"`
		UploadToken string `json:"upload_token"`
	}
	if err := decodeObject(resp.body, &out); err != nil {
		return "", err
	}
	if !out.Success || out.UploadToken == "" {
		return "", errNotReady
	}
	return out.UploadToken, nil
}
