package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPExecutor performs HTTP requests. Rate limits and server errors come
// back as retryable failures so step retry policies apply to them.
type HTTPExecutor struct {
	client *http.Client
}

func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{
		client: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

func (e *HTTPExecutor) Name() string {
	return "http"
}

func (e *HTTPExecutor) Execute(ctx context.Context, req *Request) (interface{}, error) {
	rawURL, err := req.RequireString("url")
	if err != nil {
		return nil, err
	}

	body, hasBody := req.Value("body")
	method := strings.ToUpper(req.String("method", ""))
	if method == "" {
		method = http.MethodGet
		if req.Action != "" {
			method = strings.ToUpper(req.Action)
		} else if hasBody {
			method = http.MethodPost
		}
	}

	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if query := req.StringMap("query"); len(query) > 0 {
		values := target.Query()
		for key, value := range query {
			values.Set(key, value)
		}
		target.RawQuery = values.Encode()
	}

	var reader io.Reader
	contentType := ""
	if hasBody && body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("failed to encode request body: %w", err)
			}
			reader = bytes.NewReader(encoded)
			contentType = "application/json"
		}
	}

	if timeout := req.Duration("timeout", 0); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for key, value := range req.StringMap("headers") {
		httpReq.Header.Set(key, value)
	}

	started := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		// network failures are transient by default
		return nil, NewRetryableError(fmt.Errorf("http request failed: %w", err), true)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewRetryableError(fmt.Errorf("failed to read response body: %w", err), true)
	}

	log.Debug().
		Str("method", method).
		Str("url", target.String()).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(started)).
		Msg("http request completed")

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("http request returned status %d: %s", resp.StatusCode, truncate(string(raw), 200))
		if retryableStatus(resp.StatusCode) {
			return nil, NewRetryableErrorWithDelay(err, true, parseRetryAfter(resp.Header.Get("Retry-After")))
		}
		return nil, err
	}

	return map[string]interface{}{
		"status":  resp.StatusCode,
		"headers": flattenHeaders(resp.Header),
		"body":    decodeBody(resp.Header.Get("Content-Type"), raw),
	}, nil
}

func decodeBody(contentType string, raw []byte) interface{} {
	if strings.Contains(contentType, "application/json") {
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err == nil {
			return decoded
		}
	}
	return string(raw)
}

func flattenHeaders(header http.Header) map[string]interface{} {
	out := make(map[string]interface{}, len(header))
	for key := range header {
		out[strings.ToLower(key)] = header.Get(key)
	}
	return out
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
