// Package forecast defines the remote forecasting client contract and the
// classification of its errors. The wire protocol and session handling live
// behind the Client interface and are out of scope here.
package forecast

import (
	"context"
	"encoding/json"
	"fmt"
)

// Options are passed through to the remote forecast calls.
type Options struct {
	ReportDate string
	// IncludeContendingLineItems asks the availability forecast to return
	// the competing line item ids.
	IncludeContendingLineItems bool
}

// Availability is one parsed availability forecast result.
type Availability struct {
	LineItemID            int64
	ContendingLineItemIDs []int64
	// Payload is the opaque serialized forecast persisted on the job row.
	Payload json.RawMessage
}

// Delivery is one parsed delivery forecast result for a batch.
type Delivery struct {
	LineItemIDs []int64
	Payload     json.RawMessage
}

// Client performs blocking forecast calls against the remote ad server.
// Both calls may take up to the configured request timeout; cancellation of
// ctx is best effort.
type Client interface {
	AvailabilityForecast(ctx context.Context, lineItemID int64, opts Options) (*Availability, error)
	DeliveryForecast(ctx context.Context, lineItemIDs []int64, opts Options) (*Delivery, error)
}

// ErrorCode identifies the remote error family.
type ErrorCode string

const (
	CodeQuotaExceeded     ErrorCode = "QUOTA_EXCEEDED"
	CodeInternalError     ErrorCode = "INTERNAL_ERROR"
	CodeServerUnavailable ErrorCode = "SERVER_UNAVAILABLE"
	// CodeLineItemError means the remote rejected one specific line item.
	CodeLineItemError ErrorCode = "LINE_ITEM_ERROR"
	CodeUnknown       ErrorCode = "UNKNOWN"
)

// RemoteError is a structured error returned by the remote forecast API.
// LineItemID is non-zero when the error references a specific line item in
// the submitted set.
type RemoteError struct {
	Code       ErrorCode
	Message    string
	LineItemID int64
}

func (e *RemoteError) Error() string {
	if e.LineItemID != 0 {
		return fmt.Sprintf("remote: %s (line item %d): %s", e.Code, e.LineItemID, e.Message)
	}
	return fmt.Sprintf("remote: %s: %s", e.Code, e.Message)
}
