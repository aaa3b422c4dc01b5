package track

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Header used to pass the project token to the tracking server
const TokenHeader = "X-Project-Token"

// HTTPConfig contains settings for the tracking server client
type HTTPConfig struct {
	BaseURL       string        `json:"base_url"`
	Token         string        `json:"token"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// HTTPSink sends experiment events to a tracking server as JSON
type HTTPSink struct {
	HTTPConfig
	client *http.Client
}

// StatusError is returned when the server responds with a non 2xx status
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tracking server returned %d: %s", e.Code, e.Message)
}

func NewHTTPSink(conf HTTPConfig) *HTTPSink {
	def := DefaultHTTPConfig()
	if conf.Timeout <= 0 {
		conf.Timeout = def.Timeout
	}
	if conf.RetryAttempts <= 0 {
		conf.RetryAttempts = 1
	}
	conf.BaseURL = strings.TrimSuffix(conf.BaseURL, "/")
	return &HTTPSink{HTTPConfig: conf, client: &http.Client{Timeout: conf.Timeout}}
}

func (s *HTTPSink) Begin(ctx context.Context, info Info) error {
	var resp CreateResponse
	if err := s.send(ctx, "/api/experiments", info, &resp); err != nil {
		return errors.Wrap(err, "create experiment")
	}
	if resp.ID != info.ID {
		return errors.Errorf("create experiment: server returned id %q expected %q", resp.ID, info.ID)
	}
	return nil
}

func (s *HTTPSink) Write(ctx context.Context, id string, points []Point) error {
	var resp MetricsResponse
	if err := s.send(ctx, "/api/experiments/"+id+"/metrics", MetricsRequest{Points: points}, &resp); err != nil {
		return errors.Wrap(err, "send metrics")
	}
	if resp.Accepted != len(points) {
		return errors.Errorf("send metrics: server accepted %d of %d points", resp.Accepted, len(points))
	}
	return nil
}

func (s *HTTPSink) End(ctx context.Context, id string, end End) error {
	return errors.Wrap(s.send(ctx, "/api/experiments/"+id+"/end", end, nil), "end experiment")
}

// post request with retries, client errors other than 429 are not retried
func (s *HTTPSink) send(ctx context.Context, path string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt < s.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.RetryDelay):
			}
		}
		lastErr = s.post(ctx, path, body, resp)
		if lastErr == nil {
			return nil
		}
		var serr *StatusError
		if errors.As(lastErr, &serr) && serr.Code < 500 && serr.Code != http.StatusTooManyRequests {
			return lastErr
		}
	}
	return errors.Wrapf(lastErr, "failed after %d attempts", s.RetryAttempts)
}

func (s *HTTPSink) post(ctx context.Context, path string, body []byte, resp interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "convtrack")
	if s.Token != "" {
		req.Header.Set(TokenHeader, s.Token)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var e ErrorResponse
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &StatusError{Code: res.StatusCode, Message: e.Error}
	}
	if resp == nil || len(data) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, resp), "decode response")
}
