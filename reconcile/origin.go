// Package reconcile replays offline-captured writes against the origin once
// it is reachable again. Delivery is at-least-once: a record is deleted only
// after the origin confirms the replay, so a lost confirmation means a
// retried (and possibly duplicated) replay next cycle.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrOriginAuth marks a login rejected by the origin, as opposed to a
// transport failure.
var ErrOriginAuth = errors.New("reconcile: origin rejected credentials")

// OriginClient is the origin-facing surface the engine needs. Every call is
// bounded by the context deadline; exceeding it reads as a plain failure.
type OriginClient interface {
	// Health probes origin reachability.
	Health(ctx context.Context) error
	// Login authenticates one user and returns the origin session cookies.
	Login(ctx context.Context, username, password string) (string, error)
	// SubmitScore replays one score write under an origin session.
	SubmitScore(ctx context.Context, cookie, chartID string, payload []byte) error
}

// HTTPOrigin talks to the origin over HTTP.
type HTTPOrigin struct {
	base    *url.URL
	host    string
	client  *http.Client
	timeout time.Duration
	log     zerolog.Logger
}

// NewHTTPOrigin builds an origin client for the given base URL. The timeout
// bounds each individual call.
func NewHTTPOrigin(base *url.URL, host string, timeout time.Duration, log zerolog.Logger) *HTTPOrigin {
	return &HTTPOrigin{
		base:    base,
		host:    host,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		log:     log.With().Str("component", "origin").Logger(),
	}
}

func (o *HTTPOrigin) url(path string) string {
	return strings.TrimRight(o.base.String(), "/") + path
}

func (o *HTTPOrigin) do(req *http.Request) (*http.Response, error) {
	if o.host != "" {
		req.Host = o.host
	}
	return o.client.Do(req)
}

func (o *HTTPOrigin) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, o.url("/api/health"), nil)
	if err != nil {
		return err
	}
	res, err := o.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return fmt.Errorf("reconcile: health probe returned %d", res.StatusCode)
	}
	return nil
}

func (o *HTTPOrigin) Login(ctx context.Context, username, password string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url("/api/account/login"),
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := o.do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d", ErrOriginAuth, res.StatusCode)
	}
	cookie := joinSetCookies(res.Header.Values("Set-Cookie"))
	if cookie == "" {
		return "", fmt.Errorf("%w: no session cookie in response", ErrOriginAuth)
	}
	return cookie, nil
}

func (o *HTTPOrigin) SubmitScore(ctx context.Context, cookie, chartID string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.url("/api/maichart/"+chartID+"/score"), strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", cookie)
	res, err := o.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("reconcile: score replay returned %d", res.StatusCode)
	}
	return nil
}

// joinSetCookies reduces Set-Cookie headers to the cookie pairs a follow-up
// request needs. The origin may set several cookies on login; all of them
// are carried.
func joinSetCookies(setCookies []string) string {
	pairs := make([]string, 0, len(setCookies))
	for _, sc := range setCookies {
		if pair, _, _ := strings.Cut(sc, ";"); strings.Contains(pair, "=") {
			pairs = append(pairs, strings.TrimSpace(pair))
		}
	}
	return strings.Join(pairs, "; ")
}
