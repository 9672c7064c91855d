package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Таймаут исходящих вызовов к API провайдеров
const defaultTimeout = 30 * time.Second

// HTTPError - не-2xx ответ провайдера. Тело сохраняется для классификации
// ошибки адаптером и для журнала синхронизации.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider returned HTTP %d: %s", e.StatusCode, truncate(string(e.Body), 256))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// HTTPClient - общий клиент адаптеров: таймаут 30с, circuit breaker
// на хост провайдера, структурное логирование вызовов.
type HTTPClient struct {
	name    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPClient создает клиент для одного провайдера
func NewHTTPClient(name string) *HTTPClient {
	return &HTTPClient{
		name: name,
		http: &http.Client{
			Timeout: defaultTimeout,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				// 4xx не считаются отказами, сюда попадают только
				// сетевые ошибки и 5xx
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// PostJSON отправляет JSON и декодирует ответ в out (если out != nil)
func (c *HTTPClient) PostJSON(ctx context.Context, rawURL string, headers map[string]string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Content-Type"] = "application/json"
	return c.do(ctx, http.MethodPost, rawURL, headers, bytes.NewReader(payload), out)
}

// GetJSON выполняет GET и декодирует ответ
func (c *HTTPClient) GetJSON(ctx context.Context, rawURL string, headers map[string]string, out interface{}) error {
	return c.do(ctx, http.MethodGet, rawURL, headers, nil, out)
}

// PatchJSON выполняет PATCH с JSON-телом
func (c *HTTPClient) PatchJSON(ctx context.Context, rawURL string, headers map[string]string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Content-Type"] = "application/json"
	return c.do(ctx, http.MethodPatch, rawURL, headers, bytes.NewReader(payload), out)
}

// PostForm отправляет form-urlencoded тело
func (c *HTTPClient) PostForm(ctx context.Context, rawURL string, form url.Values, out interface{}) error {
	headers := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
	return c.do(ctx, http.MethodPost, rawURL, headers, strings.NewReader(form.Encode()), out)
}

func (c *HTTPClient) do(ctx context.Context, method, rawURL string, headers map[string]string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		// 5xx валит breaker, 4xx - ошибка содержимого, не отказ провайдера
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Body: respBody}
		}
		return &httpResult{status: resp.StatusCode, body: respBody}, nil
	})

	logEvent := log.Debug()
	if err != nil {
		logEvent = log.Error().Err(err)
	}
	logEvent.Str("provider", c.name).
		Str("method", method).
		Str("url", req.URL.Host+req.URL.Path).
		Dur("latency", time.Since(start)).
		Msg("provider call")

	if err != nil {
		return err
	}

	res := result.(*httpResult)
	if res.status < http.StatusOK || res.status >= http.StatusMultipleChoices {
		return &HTTPError{StatusCode: res.status, Body: res.body}
	}

	if out != nil && len(res.body) > 0 {
		if err := json.Unmarshal(res.body, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

type httpResult struct {
	status int
	body   []byte
}
