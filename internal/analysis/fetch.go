package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"attacklens/internal/faults"
	"attacklens/internal/logging"
)

const (
	fetchTimeout   = 60 * time.Second
	maxRedirects   = 5
	fetchUserAgent = "attacklens/1.0 (+document analysis)"
)

// urlForbiddenChars never belong in a submitted URL; their presence means
// header-injection or template leftovers rather than a typo.
const urlForbiddenChars = " <>{}|\\^`\t\n\r"

// ValidateURL enforces the submission rules: parseable, http(s) scheme, a
// real remote host, and no forbidden characters.
func ValidateURL(raw string) error {
	if strings.ContainsAny(raw, urlForbiddenChars) {
		return faults.New(faults.KindInvalidURL, "url contains forbidden characters")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return faults.Wrap(faults.KindInvalidURL, err, "url does not parse")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return faults.New(faults.KindInvalidURL, "url scheme must be http or https")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return faults.New(faults.KindInvalidURL, "url has no host")
	}
	if host == "localhost" || host == "127.0.0.1" {
		return faults.New(faults.KindInvalidURL, "url must not target the local host")
	}
	return nil
}

// Fetcher downloads submitted documents with a byte cap and bounded
// redirects.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewFetcher(maxBytes int64) *Fetcher {
	return &Fetcher{
		maxBytes: maxBytes,
		client: &http.Client{
			Timeout: fetchTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
}

// Fetch downloads a document, returning the body and the response content
// type. Network failures are classified into the transient taxonomy so the
// workflow engine can retry them.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", faults.Wrap(faults.KindInvalidURL, err, "build request")
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html, text/markdown;q=0.9, text/plain;q=0.8, */*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", classifyFetchError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, "", faults.New(faults.KindRateLimited, "source rate-limited the fetch")
	case resp.StatusCode >= 500:
		return nil, "", faults.New(faults.KindUpstreamServerError, "source responded with HTTP %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, "", faults.New(faults.KindPermanent, "source responded with HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", faults.Wrap(faults.KindConnectionReset, err, "read response body")
	}
	if int64(len(body)) > f.maxBytes {
		return nil, "", faults.New(faults.KindOversizedDocument, "document is too large (limit %d bytes)", f.maxBytes)
	}

	logging.Ingest("fetched %s: %d bytes, content-type=%q", rawURL, len(body), resp.Header.Get("Content-Type"))
	return body, resp.Header.Get("Content-Type"), nil
}

// classifyFetchError maps transport failures onto the retriable taxonomy.
func classifyFetchError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return faults.Wrap(faults.KindDNSFailure, err, "dns lookup failed")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(faults.KindFetchTimeout, err, "fetch timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return faults.Wrap(faults.KindFetchTimeout, err, "fetch timed out")
	}
	return faults.Wrap(faults.KindConnectionReset, err, "fetch failed")
}
