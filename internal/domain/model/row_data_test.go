package model

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRowData(t *testing.T) {
	t.Run("maps cells onto canonical fields", func(t *testing.T) {
		cells := []string{
			"EMP-00000001", "Amina", "Okafor", "amina@workmail.co",
			"Engineering", "85000", "USD", "NG", "2022-03-15",
		}
		rd, err := NewRowData(cells)
		require.NoError(t, err)
		assert.Equal(t, "EMP-00000001", rd.Get("employee_number"))
		assert.Equal(t, "2022-03-15", rd.Get("start_date"))
	})

	t.Run("missing trailing cells become empty values", func(t *testing.T) {
		rd, err := NewRowData([]string{"EMP-00000002", "Kofi"})
		require.NoError(t, err)
		assert.Equal(t, "Kofi", rd.Get("first_name"))
		assert.Equal(t, "", rd.Get("salary"))
		assert.Len(t, rd, len(CanonicalFields))
	})

	t.Run("extra cells rejected", func(t *testing.T) {
		cells := make([]string, len(CanonicalFields)+1)
		_, err := NewRowData(cells)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected at most")
	})
}

func TestRowData_MarshalJSON_CanonicalOrder(t *testing.T) {
	rd, err := NewRowData([]string{"EMP-00000003", "Naledi", "Dlamini", "naledi@company.africa"})
	require.NoError(t, err)

	raw, err := json.Marshal(rd)
	require.NoError(t, err)

	// Keys appear in source-file column order regardless of map iteration.
	s := string(raw)
	last := -1
	for _, field := range CanonicalFields {
		idx := strings.Index(s, `"`+field+`"`)
		require.GreaterOrEqual(t, idx, 0, "field %q missing from output", field)
		assert.Greater(t, idx, last, "field %q out of order", field)
		last = idx
	}
}

func TestRowData_UnmarshalJSON(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		rd, err := NewRowData([]string{"EMP-00000004", "Tunde", "Bello", "tunde@mail.test", "Sales", "42000", "NGN", "NG", "2021-01-04"})
		require.NoError(t, err)

		raw, err := json.Marshal(rd)
		require.NoError(t, err)

		var back RowData
		require.NoError(t, json.Unmarshal(raw, &back))
		assert.Equal(t, rd, back)
	})

	t.Run("unknown keys rejected", func(t *testing.T) {
		var rd RowData
		err := json.Unmarshal([]byte(`{"employee_number":"EMP-00000005","badge_color":"red"}`), &rd)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown field")
	})
}
