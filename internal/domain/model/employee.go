package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Employee is the persisted business entity produced by imports. It is
// independent of any job and outlives them; last_import_job_id is a weak
// back-reference, not an ownership relation.
type Employee struct {
	ID              string          `json:"id"                 db:"id"`
	EmployeeNumber  string          `json:"employee_number"    db:"employee_number"`
	FirstName       string          `json:"first_name"         db:"first_name"`
	LastName        string          `json:"last_name"          db:"last_name"`
	Email           string          `json:"email"              db:"email"`
	Department      string          `json:"department"         db:"department"`
	Salary          decimal.Decimal `json:"salary"             db:"salary"`
	Currency        string          `json:"currency"           db:"currency"`
	CountryCode     string          `json:"country_code"       db:"country_code"`
	StartDate       time.Time       `json:"start_date"         db:"start_date"`
	LastImportedAt  *time.Time      `json:"last_imported_at,omitempty"   db:"last_imported_at"`
	LastImportJobID *string         `json:"last_import_job_id,omitempty" db:"last_import_job_id"`
	CreatedAt       time.Time       `json:"created_at"         db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"         db:"updated_at"`
}

// FullName returns the employee's display name.
func (e *Employee) FullName() string {
	return e.FirstName + " " + e.LastName
}

// EmployeeUpsert carries the validated field values written by an import row.
type EmployeeUpsert struct {
	EmployeeNumber string
	FirstName      string
	LastName       string
	Email          string
	Department     string
	Salary         decimal.Decimal
	Currency       string
	CountryCode    string
	StartDate      time.Time
	ImportJobID    string
}
