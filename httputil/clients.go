package httputil

import (
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"reposter/config"
)

type Clients struct {
	API   *http.Client // Apify and SocialBu REST calls
	Media *http.Client // media downloads and signed-URL uploads, optionally proxied
}

func NewClients(proxyCfg *config.ProxyConfig) *Clients {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if proxyCfg != nil && proxyCfg.URL != "" {
		if proxyURL, err := url.Parse(proxyCfg.URL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
			log.Infof("Media transfers using proxy: %s", proxyURL.Host)
		} else {
			log.Warnf("Ignoring invalid PROXY_URL: %v", err)
		}
	}

	return &Clients{
		API: &http.Client{Timeout: 30 * time.Second},
		Media: &http.Client{
			Timeout:   5 * time.Minute,
			Transport: transport,
		},
	}
}
