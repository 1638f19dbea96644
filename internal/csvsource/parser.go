// Package csvsource reads and structurally validates employee CSV files.
// Files are streamed record by record so a large upload never has to fit
// in memory.
package csvsource

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/peopleflow/importd/internal/errors"

	"github.com/peopleflow/importd/internal/domain/model"
)

// structurePrefixRecords is how many records ValidateStructure inspects.
const structurePrefixRecords = 5

var allowedExtensions = map[string]bool{
	".csv": true,
	".txt": true,
}

// Parser performs file-level checks and opens CSV sources for streaming.
type Parser struct {
	maxFileSize int64
}

// NewParser creates a Parser with the given file size ceiling in bytes.
func NewParser(maxFileSize int64) *Parser {
	if maxFileSize <= 0 {
		maxFileSize = 20 * 1024 * 1024
	}
	return &Parser{maxFileSize: maxFileSize}
}

// Source is an open CSV file positioned after its header row. Rows are
// consumed with Next; the caller must Close it.
type Source struct {
	Headers []string

	file      *os.File
	reader    *csv.Reader
	rowNumber int
}

// checkFile runs the file-level gates that apply before any content
// parsing: extension, emptiness and the size ceiling.
func (p *Parser) checkFile(path string) (int64, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !allowedExtensions[ext] {
		return 0, apperrors.MalformedFilef("unsupported file extension %q, expected .csv or .txt", ext)
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, apperrors.Wrapf(err, apperrors.ErrCodeMalformedFile, "cannot read file %q", path)
	}
	if info.IsDir() {
		return 0, apperrors.MalformedFilef("%q is a directory", path)
	}
	if info.Size() == 0 {
		return 0, apperrors.MalformedFile("file is empty")
	}
	if info.Size() > p.maxFileSize {
		return 0, apperrors.MalformedFilef("file size %d exceeds limit of %d bytes", info.Size(), p.maxFileSize)
	}
	return info.Size(), nil
}

// Open runs the file-level checks, reads the header row, and returns a
// streaming source for the data rows.
func (p *Parser) Open(path string) (*Source, error) {
	if _, err := p.checkFile(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeMalformedFile, "cannot open file %q", path)
	}

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		closeErr := f.Close()
		_ = closeErr
		if errors.Is(err, io.EOF) {
			return nil, apperrors.MalformedFile("file has no header row")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeMalformedFile, "cannot parse header row")
	}

	return &Source{
		Headers: normalizeHeaders(header),
		file:    f,
		reader:  reader,
	}, nil
}

// Next returns the next data row's cells and its 1-based row number
// (excluding the header). io.EOF signals the end of the file.
func (s *Source) Next() ([]string, int, error) {
	record, err := s.reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, 0, io.EOF
	}
	if err != nil {
		return nil, 0, apperrors.Wrapf(err, apperrors.ErrCodeMalformedFile, "cannot parse row %d", s.rowNumber+1)
	}
	s.rowNumber++
	return record, s.rowNumber, nil
}

// Close releases the underlying file.
func (s *Source) Close() error {
	return s.file.Close()
}

// ValidateStructure inspects the header and a small prefix of records and
// returns every structural problem found, not just the first. An empty
// slice means the file is structurally sound.
func (p *Parser) ValidateStructure(path string) ([]string, error) {
	src, err := p.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := src.Close(); closeErr != nil {
			_ = closeErr
		}
	}()

	var problems []string

	if len(src.Headers) < len(model.CanonicalFields) {
		problems = append(problems, fmt.Sprintf(
			"header has %d columns, expected at least %d", len(src.Headers), len(model.CanonicalFields)))
	}

	present := make(map[string]bool, len(src.Headers))
	for _, h := range src.Headers {
		present[h] = true
	}
	for _, required := range model.CanonicalFields {
		if !present[required] {
			problems = append(problems, fmt.Sprintf("missing required header %q", required))
		}
	}

	canonical := make(map[string]bool, len(model.CanonicalFields))
	for _, f := range model.CanonicalFields {
		canonical[f] = true
	}
	for _, h := range src.Headers {
		if !canonical[h] {
			problems = append(problems, fmt.Sprintf("unexpected header %q", h))
		}
	}

	// Scan a prefix of data rows for obvious shape problems.
	for i := 0; i < structurePrefixRecords; i++ {
		cells, rowNumber, nextErr := src.Next()
		if errors.Is(nextErr, io.EOF) {
			break
		}
		if nextErr != nil {
			problems = append(problems, nextErr.Error())
			break
		}
		if len(cells) > len(src.Headers) {
			problems = append(problems, fmt.Sprintf(
				"row %d has %d cells, more than the %d header columns", rowNumber, len(cells), len(src.Headers)))
		}
	}

	return problems, nil
}

// Statistics summarizes a file cheaply so callers can size a job before
// committing to full ingestion.
type Statistics struct {
	Size     int64    `json:"size"`
	Headers  []string `json:"headers"`
	RowCount int      `json:"row_count"`
}

// Statistics streams through the file once, counting data rows.
func (p *Parser) Statistics(path string) (*Statistics, error) {
	size, err := p.checkFile(path)
	if err != nil {
		return nil, err
	}

	src, err := p.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := src.Close(); closeErr != nil {
			_ = closeErr
		}
	}()

	count := 0
	for {
		_, _, nextErr := src.Next()
		if errors.Is(nextErr, io.EOF) {
			break
		}
		if nextErr != nil {
			return nil, nextErr
		}
		count++
	}

	return &Statistics{
		Size:     size,
		Headers:  src.Headers,
		RowCount: count,
	}, nil
}

func normalizeHeaders(raw []string) []string {
	out := make([]string, len(raw))
	for i, h := range raw {
		h = strings.TrimSpace(strings.ToLower(h))
		// Strip a UTF-8 BOM from the first header cell.
		h = strings.TrimPrefix(h, "\uFEFF")
		out[i] = h
	}
	return out
}
