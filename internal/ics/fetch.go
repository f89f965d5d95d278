package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	appLog "classcal/internal/log"
)

// maxBodySize bounds a fetched calendar.
const maxBodySize = 5 << 20

const maxRedirects = 5

var (
	// ErrUnsupportedURL is returned for URLs that are not http, https or
	// webcal.
	ErrUnsupportedURL = errors.New("ics: unsupported calendar URL")

	// ErrBlockedAddress is returned when a calendar host resolves to a
	// loopback, private, link-local or otherwise non-public address.
	ErrBlockedAddress = errors.New("ics: calendar host is not a public address")
)

// sharedAddressSpace is carrier-grade NAT space; netip does not class it as
// private.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// cacheMeta holds the validators of the last successful fetch of a URL.
type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads calendar subscriptions with conditional requests and a
// per-URL disk cache, falling back to the cached body when the remote end
// fails. Unless built WithPrivateNetworks, it only connects to public
// addresses.
type Fetcher struct {
	client       *http.Client
	cacheDir     string
	allowPrivate bool
}

type FetcherOption func(*Fetcher)

// WithPrivateNetworks lets the fetcher reach loopback and private addresses,
// for calendars hosted on the local network.
func WithPrivateNetworks() FetcherOption {
	return func(f *Fetcher) { f.allowPrivate = true }
}

// NewFetcher returns a Fetcher caching under cacheDir. An empty cacheDir
// disables caching.
func NewFetcher(cacheDir string, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{cacheDir: cacheDir}
	for _, opt := range opts {
		opt(f)
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !f.allowPrivate {
		// The check runs on the resolved address, so DNS names pointing
		// inward are refused too. A proxy would hide the real target.
		dialer.Control = refuseNonPublic
		transport.Proxy = nil
	}
	transport.DialContext = dialer.DialContext

	f.client = &http.Client{
		Timeout:   15 * time.Second,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("fetch calendar: stopped after %d redirects", maxRedirects)
			}
			return checkScheme(req.URL)
		},
	}
	return f
}

func checkScheme(u *url.URL) error {
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("%w: missing host", ErrUnsupportedURL)
		}
		return nil
	default:
		return fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}
}

func refuseNonPublic(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	if !isPublic(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, ip)
	}
	return nil
}

func isPublic(ip netip.Addr) bool {
	ip = ip.Unmap()
	return ip.IsGlobalUnicast() && !ip.IsPrivate() && !sharedAddressSpace.Contains(ip)
}

// Fetch returns the calendar body at rawURL. webcal:// is read as https://.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u := strings.TrimSpace(rawURL)
	if u == "" {
		return nil, errors.New("calendar URL is empty")
	}
	if rest, ok := strings.CutPrefix(u, "webcal://"); ok {
		u = "https://" + rest
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	if err := checkScheme(parsed); err != nil {
		return nil, err
	}

	dir := f.cacheDirFor(u)
	var (
		meta   cacheMeta
		cached []byte
	)
	if dir != "" {
		meta, _ = loadMeta(dir)
		cached, _ = os.ReadFile(filepath.Join(dir, "body.ics"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if len(cached) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrBlockedAddress) || errors.Is(err, ErrUnsupportedURL) {
			appLog.Warn("ics fetch refused", "url", redactURL(u), "error", err.Error())
			return nil, err
		}
		if len(cached) > 0 {
			appLog.Error("ics fetch failed, using cached body", err, "url", redactURL(u))
			return cached, nil
		}
		return nil, fmt.Errorf("fetch calendar: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("read calendar: %w", err)
		}
		if dir != "" {
			next := cacheMeta{
				URL:          u,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
				UpdatedAt:    time.Now().UTC(),
			}
			if err := saveCache(dir, next, body); err != nil {
				appLog.Error("ics cache save failed", err, "url", redactURL(u))
			}
		}
		appLog.Info("ics fetched", "url", redactURL(u), "bytes", len(body))
		return body, nil

	case resp.StatusCode == http.StatusNotModified && len(cached) > 0:
		appLog.Debug("ics not modified, using cache", "url", redactURL(u))
		return cached, nil

	case len(cached) > 0:
		appLog.Error("ics fetch non-OK, using cached body", errors.New(resp.Status), "url", redactURL(u))
		return cached, nil

	default:
		return nil, fmt.Errorf("fetch calendar: %s", resp.Status)
	}
}

func (f *Fetcher) cacheDirFor(u string) string {
	if f.cacheDir == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadMeta(dir string) (cacheMeta, error) {
	var meta cacheMeta
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

func saveCache(dir string, meta cacheMeta, body []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o600)
}

// redactURL keeps scheme and host only; calendar URLs often embed tokens.
func redactURL(u string) string {
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return "ics://...(redacted)"
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host + "/...(redacted)"
}
