package simulate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/pkg/logger"
)

// Submission retry constants.
const (
	maxSubmitAttempts = 5
	retryBackoff      = 200 * time.Millisecond
)

// AckResponse represents the response to a shadow submission.
type AckResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusError is returned for any non-2xx answer.
type StatusError struct {
	Method string
	Path   string
	Status int
	Code   string
	Msg    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.Status, e.Code, e.Msg)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// Client is a JSON client for the irtcat HTTP API.
type Client struct {
	client  *http.Client
	baseURL string
}

// NewClient creates a client with the given request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Do sends body as JSON and decodes a 2xx answer into out. It returns the
// status code even on error.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e errorResponse
		_ = json.Unmarshal(data, &e)
		return resp.StatusCode, &StatusError{Method: method, Path: path, Status: resp.StatusCode, Code: e.Code, Msg: e.Message}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

// submitResult classifies one shadow submission.
type submitResult int

const (
	submitAccepted submitResult = iota
	submitDuplicate
	submitFailed
)

// submitShadowSessions posts sessions concurrently using a worker pool.
// A 503 answer is retried with backoff.
func submitShadowSessions(ctx context.Context, cfg *Config, client *Client, sessions []model.FixedFormSession, stats *Stats) {
	log := logger.Get()
	log.Info(ctx, "submitting shadow sessions", logger.Int("sessions", len(sessions)), logger.Int("workers", cfg.Workers))

	var accepted, duplicate, failed, submitted int64

	ch := make(chan model.FixedFormSession, cfg.Workers*2)
	var wg sync.WaitGroup
	for range cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range ch {
				switch submitShadow(ctx, client, s) {
				case submitAccepted:
					atomic.AddInt64(&accepted, 1)
				case submitDuplicate:
					atomic.AddInt64(&duplicate, 1)
				case submitFailed:
					atomic.AddInt64(&failed, 1)
				}
				if n := atomic.AddInt64(&submitted, 1); cfg.Verbose && n%100 == 0 {
					log.Info(ctx, "shadow progress", logger.Int("submitted", int(n)), logger.Int("total", len(sessions)))
				}
			}
		}()
	}

	go func() {
		defer close(ch)
		for _, s := range sessions {
			select {
			case <-ctx.Done():
				return
			case ch <- s:
			}
		}
	}()
	wg.Wait()

	stats.ShadowSubmitted += int(atomic.LoadInt64(&submitted))
	stats.ShadowAccepted += int(atomic.LoadInt64(&accepted))
	stats.ShadowDuplicate += int(atomic.LoadInt64(&duplicate))
	stats.ShadowFailed += int(atomic.LoadInt64(&failed))
}

func submitShadow(ctx context.Context, client *Client, s model.FixedFormSession) submitResult {
	for attempt := range maxSubmitAttempts {
		var ack AckResponse
		status, err := client.Do(ctx, http.MethodPost, "/shadow/sessions", s, &ack)
		switch {
		case err == nil && status == http.StatusAccepted:
			return submitAccepted
		case err == nil && status == http.StatusOK:
			return submitDuplicate
		case status == http.StatusServiceUnavailable:
			select {
			case <-ctx.Done():
				return submitFailed
			case <-time.After(retryBackoff * time.Duration(attempt+1)):
			}
		default:
			return submitFailed
		}
	}
	return submitFailed
}
