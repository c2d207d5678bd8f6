package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"

	"reposter/models"
)

// PlaceholderMediaPrefix marks media URLs produced by the scraper's offline fallback.
const PlaceholderMediaPrefix = "https://mock-"

// HasUsableMedia reports whether p can be reposted. Only real video
// references qualify; image-only posts are skipped.
func HasUsableMedia(p models.Post) bool {
	if p.Placeholder {
		return false
	}
	ref := strings.TrimSpace(p.VideoURL)
	return ref != "" && !IsPlaceholderURL(ref)
}

func IsPlaceholderURL(u string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(u)), PlaceholderMediaPrefix)
}

// PublishableMedia picks the reference to attach when publishing,
// preferring the video over the still image.
func PublishableMedia(p models.Post) (string, models.MediaType) {
	if v := strings.TrimSpace(p.VideoURL); v != "" {
		return v, models.MediaVideo
	}
	if d := strings.TrimSpace(p.DisplayURL); d != "" {
		return d, models.MediaImage
	}
	return "", models.MediaNone
}

// MediaFile is a downloaded media file ready for upload.
type MediaFile struct {
	Name        string
	ContentType string
	Data        []byte
	ContentHash string
	Key         string // media/{hash[:2]}/{hash}{ext}
	ArchiveURL  string
}

// Archiver keeps a copy of downloaded media, e.g. in S3.
type Archiver interface {
	Archive(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// MediaService downloads media referenced by scraped posts.
type MediaService struct {
	httpClient *http.Client
	archiver   Archiver
	maxBytes   int64
}

func NewMediaService(client *http.Client, archiver Archiver, maxBytes int64) *MediaService {
	if maxBytes <= 0 {
		maxBytes = 200 * 1024 * 1024
	}
	return &MediaService{httpClient: client, archiver: archiver, maxBytes: maxBytes}
}

// Download fetches mediaURL, hashes it and archives it when an archiver is set.
// Archive failures are logged and do not fail the download.
func (s *MediaService) Download(ctx context.Context, mediaURL string) (*MediaFile, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "video/*,image/*,*/*")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("media larger than %d bytes", s.maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty media body")
	}

	hash := sha256.Sum256(data)
	contentHash := hex.EncodeToString(hash[:])
	contentType := resp.Header.Get("Content-Type")
	ext := guessExtension(mediaURL, contentType)
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = mimeForExtension(ext)
	}

	file := &MediaFile{
		Name:        contentHash[:16] + ext,
		ContentType: contentType,
		Data:        data,
		ContentHash: contentHash,
		Key:         fmt.Sprintf("media/%s/%s%s", contentHash[:2], contentHash, ext),
	}

	if s.archiver != nil {
		archiveURL, err := s.archiver.Archive(ctx, file.Key, data, contentType)
		if err != nil {
			log.WithField("key", file.Key).Warnf("Media archive failed: %v", err)
		} else {
			file.ArchiveURL = archiveURL
		}
	}

	return file, nil
}

// guessExtension determines file extension from URL or content-type
func guessExtension(rawURL, contentType string) string {
	// Try URL first, ignoring the query string CDNs append
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	ext := strings.ToLower(path.Ext(rawURL))
	if isMediaExt(ext) {
		return ext
	}

	switch strings.Split(contentType, ";")[0] {
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".mp4"
	}
}

func isMediaExt(ext string) bool {
	switch ext {
	case ".mp4", ".mov", ".jpg", ".jpeg", ".png", ".webp":
		return true
	}
	return false
}

func mimeForExtension(ext string) string {
	switch ext {
	case ".mov":
		return "video/quicktime"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "video/mp4"
	}
}
