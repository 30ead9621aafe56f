package api

import (
	"context"
	"net"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// setProxy routes the client's transport through the configured proxy.
// SOCKS5, HTTP, and HTTPS schemes are supported; anything else leaves the
// client untouched.
func setProxy(proxyURL string, httpClient *http.Client) *http.Client {
	parsed, errParse := url.Parse(proxyURL)
	if errParse != nil {
		log.Errorf("parse proxy url failed: %v", errParse)
		return httpClient
	}

	var transport *http.Transport
	switch parsed.Scheme {
	case "socks5":
		var proxyAuth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			proxyAuth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", parsed.Host, proxyAuth, proxy.Direct)
		if errSOCKS5 != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			return httpClient
		}
		transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	default:
		log.Warnf("unsupported proxy scheme %q, using direct connection", parsed.Scheme)
	}

	if transport != nil {
		httpClient.Transport = transport
	}
	return httpClient
}
