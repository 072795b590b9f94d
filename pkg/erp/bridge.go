package erp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/futuesigndev/fsapi/pkg/httpx"
)

// Bridge is the HTTP implementation of Client, talking to the RFC bridge
// service that fronts the application host. Transport errors and 5xx
// responses are retried by the underlying request helper; whatever survives
// the retries surfaces as UnavailableError. A 4xx rejection is not retried
// and surfaces as ApplicationError.
type Bridge struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Retries    int
	RetryDelay time.Duration
}

type invokeRequest struct {
	Function   string         `json:"function"`
	Parameters map[string]any `json:"parameters"`
}

type invokeFailure struct {
	Error string `json:"error"`
}

func NewBridge(baseURL, apiKey string, timeout time.Duration) *Bridge {
	return &Bridge{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
		Retries:    2,
		RetryDelay: 500 * time.Millisecond,
	}
}

func (b *Bridge) Invoke(ctx context.Context, function string, args map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(invokeRequest{Function: function, Parameters: args})
	if err != nil {
		return nil, fmt.Errorf("encode invoke request: %w", err)
	}
	headers := map[string]string{}
	if b.APIKey != "" {
		headers["X-API-Key"] = b.APIKey
	}
	status, body, err := httpx.RequestJSON(ctx, b.HTTPClient, http.MethodPost, b.BaseURL+"/rfc/invoke", payload, headers, b.Retries, b.RetryDelay)
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	if status >= 500 {
		return nil, &UnavailableError{Err: fmt.Errorf("bridge returned status %d", status)}
	}
	if status >= 400 {
		var failure invokeFailure
		if json.Unmarshal(body, &failure) == nil && failure.Error != "" {
			return nil, &ApplicationError{Function: function, Messages: []string{failure.Error}}
		}
		return nil, &ApplicationError{Function: function, Messages: []string{fmt.Sprintf("bridge returned status %d", status)}}
	}
	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &UnavailableError{Err: fmt.Errorf("decode bridge response: %w", err)}
	}
	return result, nil
}
