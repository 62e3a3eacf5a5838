package forecast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPClient is a thin JSON connector to the remote forecasting service.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a connector. The caller bounds each call with its
// own context; no client-level timeout is set.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

type availabilityRequest struct {
	LineItemID                 int64  `json:"line_item_id"`
	ReportDate                 string `json:"report_date"`
	IncludeContendingLineItems bool   `json:"include_contending_line_items"`
}

type deliveryRequest struct {
	LineItemIDs []int64 `json:"line_item_ids"`
	ReportDate  string  `json:"report_date"`
}

// remoteErrorBody is the error payload shape returned by the service.
type remoteErrorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	LineItemID int64  `json:"line_item_id,omitempty"`
}

// AvailabilityForecast performs one blocking availability call.
func (c *HTTPClient) AvailabilityForecast(ctx context.Context, lineItemID int64, opts Options) (*Availability, error) {
	body, err := c.post(ctx, "/forecasts/availability", availabilityRequest{
		LineItemID:                 lineItemID,
		ReportDate:                 opts.ReportDate,
		IncludeContendingLineItems: opts.IncludeContendingLineItems,
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		LineItemID            int64   `json:"line_item_id"`
		ContendingLineItemIDs []int64 `json:"contending_line_item_ids"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing availability response: %w", err)
	}

	return &Availability{
		LineItemID:            parsed.LineItemID,
		ContendingLineItemIDs: parsed.ContendingLineItemIDs,
		Payload:               json.RawMessage(body),
	}, nil
}

// DeliveryForecast performs one blocking delivery call for a batch.
func (c *HTTPClient) DeliveryForecast(ctx context.Context, lineItemIDs []int64, opts Options) (*Delivery, error) {
	body, err := c.post(ctx, "/forecasts/delivery", deliveryRequest{
		LineItemIDs: lineItemIDs,
		ReportDate:  opts.ReportDate,
	})
	if err != nil {
		return nil, err
	}

	return &Delivery{
		LineItemIDs: lineItemIDs,
		Payload:     json.RawMessage(body),
	}, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, remoteErrorFrom(resp.StatusCode, body)
	}

	return body, nil
}

// remoteErrorFrom maps an error response to a RemoteError. Unparseable
// bodies become UNKNOWN errors carrying the raw text.
func remoteErrorFrom(status int, body []byte) error {
	var eb remoteErrorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Code != "" {
		return &RemoteError{
			Code:       ErrorCode(eb.Code),
			Message:    eb.Message,
			LineItemID: eb.LineItemID,
		}
	}

	code := CodeUnknown
	switch status {
	case http.StatusTooManyRequests:
		code = CodeQuotaExceeded
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		code = CodeServerUnavailable
	case http.StatusInternalServerError:
		code = CodeInternalError
	}
	return &RemoteError{Code: code, Message: truncate(string(body), 500)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ Client = (*HTTPClient)(nil)
