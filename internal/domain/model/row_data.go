package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalFields is the fixed field list every import row is keyed by, in
// source-file column order.
var CanonicalFields = []string{
	"employee_number",
	"first_name",
	"last_name",
	"email",
	"department",
	"salary",
	"currency",
	"country_code",
	"start_date",
}

// RowData is the field→value mapping reconstructed from a CSV row against the
// canonical header list. Absent trailing cells are represented as empty
// strings; unknown keys are rejected at the mapping boundary.
type RowData map[string]string

// NewRowData maps ordered cell values onto the canonical field list. Missing
// trailing cells map to empty values; extra cells are an error.
func NewRowData(cells []string) (RowData, error) {
	if len(cells) > len(CanonicalFields) {
		return nil, fmt.Errorf("row has %d cells, expected at most %d", len(cells), len(CanonicalFields))
	}
	rd := make(RowData, len(CanonicalFields))
	for i, field := range CanonicalFields {
		if i < len(cells) {
			rd[field] = cells[i]
		} else {
			rd[field] = ""
		}
	}
	return rd, nil
}

// Get returns the value for a canonical field.
func (rd RowData) Get(field string) string {
	return rd[field]
}

// MarshalJSON emits the mapping as a JSON object in canonical field order so
// stored raw_data is stable and diffable.
func (rd RowData) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, field := range CanonicalFields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(field)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(rd[field])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON restores the mapping, rejecting keys outside the canonical
// field list so untyped payloads never leak past the boundary.
func (rd *RowData) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(RowData, len(CanonicalFields))
	for _, field := range CanonicalFields {
		out[field] = raw[field]
		delete(raw, field)
	}
	if len(raw) > 0 {
		for k := range raw {
			return fmt.Errorf("unknown field %q in row data", k)
		}
	}
	*rd = out
	return nil
}
