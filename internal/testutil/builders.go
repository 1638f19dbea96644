// Package testutil provides testing utilities and helpers for the import pipeline.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/peopleflow/importd/internal/domain/model"
)

// RowDataBuilder provides a fluent interface for building RowData values for testing.
type RowDataBuilder struct {
	data model.RowData
}

// NewRowData creates a RowDataBuilder seeded with a valid employee row.
func NewRowData() *RowDataBuilder {
	return &RowDataBuilder{
		data: model.RowData{
			"employee_number": "EMP-00000001",
			"first_name":      "Amina",
			"last_name":       "Okafor",
			"email":           "amina.okafor@workmail.co",
			"department":      "Engineering",
			"salary":          "85000",
			"currency":        "USD",
			"country_code":    "NG",
			"start_date":      "2022-03-15",
		},
	}
}

// WithField sets one canonical field.
func (b *RowDataBuilder) WithField(field, value string) *RowDataBuilder {
	b.data[field] = value
	return b
}

// WithEmployeeNumber sets the employee number.
func (b *RowDataBuilder) WithEmployeeNumber(number string) *RowDataBuilder {
	return b.WithField("employee_number", number)
}

// WithEmail sets the email address.
func (b *RowDataBuilder) WithEmail(email string) *RowDataBuilder {
	return b.WithField("email", email)
}

// WithSalary sets the salary string.
func (b *RowDataBuilder) WithSalary(salary string) *RowDataBuilder {
	return b.WithField("salary", salary)
}

// Build returns the constructed RowData.
func (b *RowDataBuilder) Build() model.RowData {
	out := make(model.RowData, len(b.data))
	for k, v := range b.data {
		out[k] = v
	}
	return out
}

// Cells returns the row as CSV cells in canonical field order.
func (b *RowDataBuilder) Cells() []string {
	cells := make([]string, len(model.CanonicalFields))
	for i, field := range model.CanonicalFields {
		cells[i] = b.data[field]
	}
	return cells
}

// EmployeeRow returns a valid row with a numbered employee identity, so
// bulk fixtures get distinct employee numbers and emails.
func EmployeeRow(n int) *RowDataBuilder {
	return NewRowData().
		WithEmployeeNumber(fmt.Sprintf("EMP-%08d", n)).
		WithEmail(fmt.Sprintf("employee%d@workmail.co", n))
}

// CSVFile writes a CSV file under dir with the canonical header and the
// given rows, returning its path.
func CSVFile(t TestingTB, dir string, rows ...[]string) string {
	t.Helper()

	var sb strings.Builder
	sb.WriteString(strings.Join(model.CanonicalFields, ","))
	sb.WriteString("\n")
	for _, row := range rows {
		sb.WriteString(strings.Join(row, ","))
		sb.WriteString("\n")
	}
	return WriteFile(t, dir, "employees.csv", sb.String())
}

// WriteFile writes content to a file under dir and returns its path.
func WriteFile(t TestingTB, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write test file %s: %v", path, err)
	}
	return path
}

// ImportJobBuilder provides a fluent interface for building ImportJob values for testing.
type ImportJobBuilder struct {
	job *model.ImportJob
}

// NewImportJob creates an ImportJobBuilder with sensible defaults.
func NewImportJob() *ImportJobBuilder {
	return &ImportJobBuilder{
		job: &model.ImportJob{
			OriginalFilename: "employees.csv",
			FilePath:         "/tmp/employees.csv",
			FileSize:         1024,
			Status:           model.JobStatusPending,
		},
	}
}

// WithStatus sets the job status.
func (b *ImportJobBuilder) WithStatus(status model.JobStatus) *ImportJobBuilder {
	b.job.Status = status
	return b
}

// WithFile sets the file path and original filename.
func (b *ImportJobBuilder) WithFile(path string) *ImportJobBuilder {
	b.job.FilePath = path
	b.job.OriginalFilename = filepath.Base(path)
	return b
}

// WithTotalRows sets the total row count.
func (b *ImportJobBuilder) WithTotalRows(total int) *ImportJobBuilder {
	b.job.TotalRows = total
	return b
}

// Build returns the constructed ImportJob.
func (b *ImportJobBuilder) Build() *model.ImportJob {
	job := *b.job
	return &job
}
