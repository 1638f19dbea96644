package model

import (
	"fmt"
	"strings"
	"time"
)

// RowStatus represents the processing state of a single import row.
type RowStatus string

const (
	// RowStatusPending indicates the row has been materialized but not processed.
	RowStatusPending RowStatus = "pending"
	// RowStatusProcessing indicates the row is being processed right now.
	RowStatusProcessing RowStatus = "processing"
	// RowStatusSuccess indicates the row produced or updated an employee.
	RowStatusSuccess RowStatus = "success"
	// RowStatusFailed indicates the row failed validation or hit a system error.
	RowStatusFailed RowStatus = "failed"
	// RowStatusDuplicate indicates the row collided with an earlier row in the same job.
	RowStatusDuplicate RowStatus = "duplicate"
	// RowStatusSkipped indicates the row was never attempted (e.g. job cancelled).
	RowStatusSkipped RowStatus = "skipped"
)

// Valid returns true if the RowStatus is one of the known states.
func (s RowStatus) Valid() bool {
	switch s {
	case RowStatusPending, RowStatusProcessing, RowStatusSuccess,
		RowStatusFailed, RowStatusDuplicate, RowStatusSkipped:
		return true
	}
	return false
}

// Terminal returns true once the row's outcome is settled. Reprocessing a
// terminal row is a no-op unless the row is explicitly reset by a retry flow.
func (s RowStatus) Terminal() bool {
	switch s {
	case RowStatusSuccess, RowStatusFailed, RowStatusDuplicate, RowStatusSkipped:
		return true
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler for RowStatus to allow query parsing.
func (s *RowStatus) UnmarshalText(text []byte) error {
	v := RowStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid RowStatus: %q", string(text))
	}
	*s = v
	return nil
}

// ImportRow is the durable per-row ledger entry: raw input, processing status,
// and outcome. Exactly one row exists per (job, row_number).
type ImportRow struct {
	ID               int64               `json:"id"                          db:"id"`
	ImportJobID      string              `json:"import_job_id"               db:"import_job_id"`
	RowNumber        int                 `json:"row_number"                  db:"row_number"`
	RawData          RowData             `json:"raw_data"                    db:"raw_data"`
	Status           RowStatus           `json:"status"                      db:"status"`
	EmployeeID       *string             `json:"employee_id,omitempty"       db:"employee_id"`
	ErrorMessage     *string             `json:"error_message,omitempty"     db:"error_message"`
	ValidationErrors map[string][]string `json:"validation_errors,omitempty" db:"validation_errors"`
	ProcessedAt      *time.Time          `json:"processed_at,omitempty"      db:"processed_at"`
	CreatedAt        time.Time           `json:"created_at"                  db:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"                  db:"updated_at"`
}

// RowOutcome describes the terminal result to record for one row.
type RowOutcome struct {
	Status           RowStatus
	EmployeeID       *string
	ErrorMessage     string
	ValidationErrors map[string][]string
}
