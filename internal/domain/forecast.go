// Package domain holds the core types shared across the forecaster.
package domain

import (
	"fmt"
	"time"
)

// ForecastType distinguishes the two forecast phases.
type ForecastType string

const (
	ForecastAvailability ForecastType = "availability"
	ForecastDelivery     ForecastType = "delivery"
)

// JobStatus is the lifecycle state of a forecast job.
type JobStatus string

const (
	StatusInitialized JobStatus = "initialized"
	StatusRunning     JobStatus = "running"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// JobKey uniquely identifies a forecast job within the store.
type JobKey struct {
	RunID      string
	ReportDate string // YYYY-MM-DD
	LineItemID int64
	Type       ForecastType
}

// String returns the canonical key representation, used in logs.
func (k JobKey) String() string {
	return fmt.Sprintf("%s/%s/%d/%s", k.RunID, k.ReportDate, k.LineItemID, k.Type)
}

// ForecastJob is one persisted unit of forecast work.
// Invariant: a terminal job has exactly one of Response or FailureReason set;
// a non-terminal job has neither.
type ForecastJob struct {
	JobKey
	Status        JobStatus
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	TotalAttempts int
	Response      []byte
	FailureReason string
}

// ContendingGroup records which line items compete with an availability-
// forecast line item for inventory, plus its delivery batch assignment.
// DeliveryBatchID stays nil until the delivery batching step visits the
// group; once set it is never reassigned within a run.
type ContendingGroup struct {
	RunID           string
	ReportDate      string
	LineItemID      int64
	ContendingIDs   []int64
	DeliveryBatchID *int64
	SavedAt         time.Time
}
