package schedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Client struct {
	baseURL string
	http    *http.Client

	mu  sync.Mutex
	rng *rand.Rand
}

func New(baseURL string, hc *http.Client) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: baseURL,
		http:    hc,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SubmitOnce enqueues one request. The returned Request carries the id
// assigned by the server.
func (c *Client) SubmitOnce(ctx context.Context, s Submission) (Request, error) {
	if s.Category == "" || s.FirstName == "" || s.LastName == "" {
		return Request{}, fmt.Errorf("category and requester name required")
	}
	if s.Urgency < 1 || s.Urgency > 3 {
		return Request{}, fmt.Errorf("urgency must be 1, 2 or 3")
	}

	path := c.baseURL + "/v1/requests"
	var out Request
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, s, &out)
	if err != nil {
		return Request{}, err
	}
	if code != http.StatusCreated {
		return Request{}, &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
	}
	return out, nil
}

// IsPending reports whether the request is still waiting in its queue.
func (c *Client) IsPending(ctx context.Context, id string) (bool, error) {
	path := c.baseURL + "/v1/requests/" + url.PathEscape(id)
	code, raw, err := c.doJSON(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return false, err
	}
	switch code {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: code, Body: raw}
}

func (c *Client) Pending(ctx context.Context, category string, limit int) ([]Request, error) {
	path := c.baseURL + "/v1/queue/" + url.PathEscape(category)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []Request
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Resources(ctx context.Context, category string) ([]Resource, error) {
	path := c.baseURL + "/v1/resources?category=" + url.QueryEscape(category)
	var out []Resource
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Schedule(ctx context.Context, resourceID string, day time.Time) (Schedule, error) {
	path := fmt.Sprintf("%s/v1/resources/%s/schedule?date=%s",
		c.baseURL, url.PathEscape(resourceID), day.UTC().Format("2006-01-02"))
	var out Schedule
	if err := c.get(ctx, path, &out); err != nil {
		return Schedule{}, err
	}
	return out, nil
}

func (c *Client) Claim(ctx context.Context, requestID string) (ClaimStatus, error) {
	path := c.baseURL + "/v1/claims/" + url.PathEscape(requestID)
	var out ClaimStatus
	if err := c.get(ctx, path, &out); err != nil {
		return ClaimStatus{}, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	code, raw, err := c.doJSON(ctx, http.MethodGet, path, nil, out)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: code, Body: raw}
	}
	return nil
}

// doJSON sends JSON (when req is non-nil) and optionally decodes the response.
// Returns status code and raw body (trimmed) for debugging.
func (c *Client) doJSON(ctx context.Context, method, url string, req any, resp any) (int, string, error) {
	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return 0, "", err
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, "", err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer rsp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))
	raw := strings.TrimSpace(string(b))

	if resp != nil && len(b) > 0 && rsp.StatusCode < 300 {
		if err := json.Unmarshal(b, resp); err != nil {
			return rsp.StatusCode, raw, fmt.Errorf("decode %s: %w", url, err)
		}
	}
	return rsp.StatusCode, raw, nil
}

// ---- Retry wrapper ----

// SubmitWithRetry retries SubmitOnce while the server reports it is
// temporarily unavailable. Validation failures are returned immediately.
func (c *Client) SubmitWithRetry(ctx context.Context, s Submission, opt RetryOptions) (Request, error) {
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = 5
	}
	if opt.MinRetry <= 0 {
		opt.MinRetry = 25 * time.Millisecond
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = 1 * time.Second
	}
	if opt.JitterFrac < 0 {
		opt.JitterFrac = 0
	}

	start := time.Now()
	var lastErr error

	for attempt := 0; attempt <= opt.MaxRetries; attempt++ {
		if opt.MaxTotalWait > 0 && time.Since(start) > opt.MaxTotalWait {
			break
		}

		out, err := c.SubmitOnce(ctx, s)
		if err == nil {
			return out, nil
		}
		var use *UnexpectedStatusError
		if !errors.As(err, &use) || !use.Temporary() {
			return Request{}, err
		}
		lastErr = err

		sleep := time.Duration(float64(opt.MinRetry) * math.Pow(1.5, float64(attempt)))
		if sleep > opt.MaxRetry {
			sleep = opt.MaxRetry
		}
		sleep = c.jitter(sleep, opt.JitterFrac)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Request{}, ctx.Err()
		case <-timer.C:
		}
	}

	if lastErr != nil {
		return Request{}, lastErr
	}
	return Request{}, context.DeadlineExceeded
}

func (c *Client) jitter(d time.Duration, frac float64) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return addJitter(c.rng, d, frac)
}

func addJitter(r *rand.Rand, d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	// jitter range: [d*(1-frac), d*(1+frac)]
	j := (r.Float64()*2 - 1) * frac
	out := time.Duration(float64(d) * (1 + j))
	if out < 0 {
		return 0
	}
	return out
}
