package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"asyncinterval/internal/config"
	"asyncinterval/pkg/interval"
)

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	URL      string
	Got      int
	Expected int // 0 means any 2xx
}

func (e *StatusError) Error() string {
	if e.Expected == 0 {
		return fmt.Sprintf("http %s: status %d, want 2xx", e.URL, e.Got)
	}
	return fmt.Sprintf("http %s: status %d, want %d", e.URL, e.Got, e.Expected)
}

const drainMax = 64 << 10

func httpTask(spec config.HTTPJob, client *http.Client) (interval.Task, error) {
	url := strings.TrimSpace(spec.URL)
	if url == "" {
		return nil, errors.New("http: url required")
	}
	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = http.MethodGet
	}
	if client == nil {
		client = http.DefaultClient
	}
	expect := spec.ExpectStatus

	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", "intervald")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainMax))
		_ = resp.Body.Close()

		ok := resp.StatusCode == expect
		if expect == 0 {
			ok = resp.StatusCode >= 200 && resp.StatusCode < 300
		}
		if !ok {
			return &StatusError{URL: url, Got: resp.StatusCode, Expected: expect}
		}
		return nil
	}, nil
}
