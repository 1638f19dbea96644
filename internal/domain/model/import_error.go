package model

import (
	"fmt"
	"strings"
	"time"
)

// ErrorType categorizes an import error record.
type ErrorType string

const (
	// ErrorTypeValidation marks field or business-rule violations.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeDuplicate marks in-job natural-key collisions.
	ErrorTypeDuplicate ErrorType = "duplicate"
	// ErrorTypeSystem marks unexpected failures during a single row's processing.
	ErrorTypeSystem ErrorType = "system"
	// ErrorTypeBusinessLogic marks domain-rule rejections outside field validation.
	ErrorTypeBusinessLogic ErrorType = "business_logic"
)

// Valid returns true if the ErrorType is one of the known categories.
func (t ErrorType) Valid() bool {
	switch t {
	case ErrorTypeValidation, ErrorTypeDuplicate, ErrorTypeSystem, ErrorTypeBusinessLogic:
		return true
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler for ErrorType to allow query parsing.
func (t *ErrorType) UnmarshalText(text []byte) error {
	v := ErrorType(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid ErrorType: %q", string(text))
	}
	*t = v
	return nil
}

// Error codes attached to import error records.
const (
	ErrorCodeValidationFailed  = "VALIDATION_FAILED"
	ErrorCodeDuplicateEmployee = "DUPLICATE_EMPLOYEE"
	ErrorCodeSystemError       = "SYSTEM_ERROR"
)

// ImportError is an append-only audit record of one row-level failure. It is
// immutable once created and is never read by the processing logic itself.
type ImportError struct {
	ID           int64          `json:"id"                      db:"id"`
	ImportJobID  string         `json:"import_job_id"           db:"import_job_id"`
	ImportRowID  *int64         `json:"import_row_id,omitempty" db:"import_row_id"`
	RowNumber    int            `json:"row_number"              db:"row_number"`
	ErrorType    ErrorType      `json:"error_type"              db:"error_type"`
	ErrorCode    string         `json:"error_code"              db:"error_code"`
	ErrorMessage string         `json:"error_message"           db:"error_message"`
	ErrorDetails map[string]any `json:"error_details,omitempty" db:"error_details"`
	RawData      RowData        `json:"raw_data"                db:"raw_data"`
	CreatedAt    time.Time      `json:"created_at"              db:"created_at"`
}

// NewValidationError builds a validation import error for a row.
func NewValidationError(row *ImportRow, errs map[string][]string) *ImportError {
	var parts []string
	for _, field := range CanonicalFields {
		for _, msg := range errs[field] {
			parts = append(parts, field+": "+msg)
		}
	}
	return &ImportError{
		ImportJobID:  row.ImportJobID,
		ImportRowID:  &row.ID,
		RowNumber:    row.RowNumber,
		ErrorType:    ErrorTypeValidation,
		ErrorCode:    ErrorCodeValidationFailed,
		ErrorMessage: strings.Join(parts, "; "),
		ErrorDetails: map[string]any{"validation_errors": errs},
		RawData:      row.RawData,
	}
}

// NewDuplicateError builds a duplicate import error for a row.
func NewDuplicateError(row *ImportRow, reason string) *ImportError {
	return &ImportError{
		ImportJobID:  row.ImportJobID,
		ImportRowID:  &row.ID,
		RowNumber:    row.RowNumber,
		ErrorType:    ErrorTypeDuplicate,
		ErrorCode:    ErrorCodeDuplicateEmployee,
		ErrorMessage: reason,
		ErrorDetails: map[string]any{"reason": reason},
		RawData:      row.RawData,
	}
}

// NewSystemError builds a system import error for a row.
func NewSystemError(row *ImportRow, err error) *ImportError {
	return &ImportError{
		ImportJobID:  row.ImportJobID,
		ImportRowID:  &row.ID,
		RowNumber:    row.RowNumber,
		ErrorType:    ErrorTypeSystem,
		ErrorCode:    ErrorCodeSystemError,
		ErrorMessage: err.Error(),
		ErrorDetails: map[string]any{"error": err.Error()},
		RawData:      row.RawData,
	}
}
