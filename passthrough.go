package maiproxy

import (
	"crypto/tls"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/rs/zerolog"
)

// newPassthrough builds the default reverse proxy to the origin. It rewrites
// same-origin redirects so clients stay on the proxy host, strips CSP
// headers that would block rewritten content, and opens up CORS. Upstream
// failures surface directly; the passthrough path has no offline protection.
func newPassthrough(originURL url.URL, originHost string, log zerolog.Logger) *httputil.ReverseProxy {
	host := originURL.Host
	hostHeader := host
	transport := http.DefaultTransport
	if originHost != "" {
		hostHeader = originHost
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}

	return &httputil.ReverseProxy{
		Director:       createDirector(originURL.Scheme, host, hostHeader),
		Transport:      transport,
		ModifyResponse: createResponseRewriter(originURL),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn().Err(err).Str("url", r.URL.String()).Msg("Passthrough failed")
			writeJSONError(w, http.StatusBadGateway, "upstream error")
		},
	}
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

// createResponseRewriter rewrites origin responses for consumption through
// the proxy host.
func createResponseRewriter(originURL url.URL) func(*http.Response) error {
	return func(res *http.Response) error {
		// redirects back to the origin host are made relative, keeping the
		// client on the proxy
		if location := res.Header.Get("Location"); location != "" {
			if locURL, err := url.Parse(location); err == nil && locURL.Host == originURL.Host {
				locURL.Scheme = ""
				locURL.Host = ""
				res.Header.Set("Location", locURL.String())
			}
		}
		res.Header.Del("Content-Security-Policy")
		res.Header.Del("Content-Security-Policy-Report-Only")
		res.Header.Set("Access-Control-Allow-Origin", "*")
		return nil
	}
}
