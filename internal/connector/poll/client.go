// Package poll implements the periodic-poll scheduler: it drives a set of
// HTTP downloaders on one shared, rate-limited client, with catch-up from the
// persisted cursor after outages.
package poll

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/meteologic/meteodata-collector/internal/schedule"
)

// PacedClient wraps the shared *http.Client and enforces the minimum gap
// after every request, capping the aggregate request rate of all downloaders.
type PacedClient struct {
	HTTP *http.Client
	// Gap is the post-request sleep floor (≥100 ms caps the client at ~10 req/s).
	Gap time.Duration
}

// NewPacedClient builds the shared client with the given timeout and gap.
func NewPacedClient(timeout, gap time.Duration) *PacedClient {
	return &PacedClient{
		HTTP: &http.Client{Timeout: timeout},
		Gap:  gap,
	}
}

// Do performs one request and then sleeps the pacing gap. The sleep honors
// cancellation, so stop is observed between calls.
func (c *PacedClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.HTTP.Do(req)
	if serr := schedule.Sleep(req.Context(), c.Gap); serr != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, serr
	}
	return resp, err
}

// Get issues a GET and fails on non-2xx statuses. The caller owns the body on
// success.
func (c *PacedClient) Get(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("op=poll.get: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=poll.get: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("op=poll.get: %s: unexpected status %d", url, resp.StatusCode)
	}
	return resp, nil
}
