package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"stock-service/config"
	"stock-service/internal/apperror"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// remoteClient is a JSON-over-HTTP client guarded by a circuit breaker.
type remoteClient struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func newRemoteClient(name, baseURL string, cfg config.RemoteConfig, logger *zap.Logger) *remoteClient {
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &remoteClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		breaker: breaker,
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do sends in as JSON and decodes the response into out. Transport errors and 5xx
// responses count against the breaker and surface as DependencyUnavailable; 4xx
// responses are decoded into an *apperror.Error without tripping it.
func (c *remoteClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		var body io.Reader
		if in != nil {
			raw, err := json.Marshal(in)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("%s %s returned %d", method, path, resp.StatusCode)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return decodeError(resp), nil
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("decode %s response: %w", path, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return apperror.DependencyUnavailable(c.name+" unavailable", err)
	}
	if appErr, ok := result.(*apperror.Error); ok && appErr != nil {
		return appErr
	}
	return nil
}

func decodeError(resp *http.Response) *apperror.Error {
	var body errorBody
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Message == "" {
		body.Message = http.StatusText(resp.StatusCode)
	}
	if body.Code != "" {
		return &apperror.Error{Code: apperror.Code(body.Code), Message: body.Message}
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return apperror.NotFound("%s", body.Message)
	case http.StatusConflict:
		return apperror.InsufficientStock("%s", body.Message)
	default:
		return apperror.Validation("%s", body.Message)
	}
}
