package fetcher

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/ShoshinNikita/rpix/pkg/metrics"
	"github.com/ShoshinNikita/rpix/pkg/rlog"
	"github.com/ShoshinNikita/rpix/rpix"
)

type HTTPError struct {
	StatusCode int
	BodyPrefix string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status code %d, body prefix: %q", e.StatusCode, e.BodyPrefix)
}

// HTTPFetcher loads http:// and https:// locators. It has no timeout: callers
// should use context deadlines.
type HTTPFetcher struct {
	httpClient *http.Client
}

var _ rpix.Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher returns a new fetcher. If client is nil, a new client is used.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{
		httpClient: client,
	}
}

func (*HTTPFetcher) Name() string {
	return "http"
}

func (*HTTPFetcher) Handles(loc rpix.Locator) bool {
	return loc.Scheme() == rpix.SchemeHTTP || loc.Scheme() == rpix.SchemeHTTPS
}

func (*HTTPFetcher) Key(loc rpix.Locator) string {
	return loc.String()
}

func (f *HTTPFetcher) Fetch(ctx context.Context, loc rpix.Locator, _ rpix.Size) (rpix.FetchResult, error) {
	now := time.Now()
	defer func() {
		dur := time.Since(now)

		metrics.FetchDuration.WithLabelValues(f.Name()).Observe(dur.Seconds())
		rlog.Debugf("response headers for %q were received in %s", loc, dur)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("couldn't prepare request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()

		bodyPrefix := make([]byte, 50)
		n, _ := resp.Body.Read(bodyPrefix)
		bodyPrefix = bodyPrefix[:n]

		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			BodyPrefix: string(bodyPrefix),
		}
	}

	if resp.ContentLength > 0 {
		metrics.FetchedImageSizes.Observe(float64(resp.ContentLength))
	}

	mimeType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mimeType == "application/octet-stream" {
		mimeType = mimeTypeByName(loc.URL().Path)
	}

	return rpix.SourceResult{
		Body:     resp.Body,
		MimeType: mimeType,
		Source:   rpix.SourceNetwork,
	}, nil
}
