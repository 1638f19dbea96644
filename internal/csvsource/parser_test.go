package csvsource

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/peopleflow/importd/internal/errors"

	"github.com/peopleflow/importd/internal/domain/model"
)

const canonicalHeader = "employee_number,first_name,last_name,email,department,salary,currency,country_code,start_date"

func writeTempCSV(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParser_Open_FileGates(t *testing.T) {
	p := NewParser(0)

	t.Run("rejects unsupported extension", func(t *testing.T) {
		path := writeTempCSV(t, "employees.xlsx", "data")
		_, err := p.Open(path)
		require.Error(t, err)
		assert.True(t, apperrors.IsMalformedFile(err))
		assert.Contains(t, err.Error(), "unsupported file extension")
	})

	t.Run("rejects missing file", func(t *testing.T) {
		_, err := p.Open(filepath.Join(t.TempDir(), "missing.csv"))
		require.Error(t, err)
		assert.True(t, apperrors.IsMalformedFile(err))
	})

	t.Run("rejects empty file", func(t *testing.T) {
		path := writeTempCSV(t, "empty.csv", "")
		_, err := p.Open(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "file is empty")
	})

	t.Run("rejects file over size ceiling", func(t *testing.T) {
		small := NewParser(10)
		path := writeTempCSV(t, "big.csv", canonicalHeader+"\n")
		_, err := small.Open(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds limit")
	})

	t.Run("accepts txt extension", func(t *testing.T) {
		path := writeTempCSV(t, "employees.txt", canonicalHeader+"\n")
		src, err := p.Open(path)
		require.NoError(t, err)
		defer src.Close()
		assert.Equal(t, model.CanonicalFields, src.Headers)
	})
}

func TestParser_Open_NormalizesHeaders(t *testing.T) {
	p := NewParser(0)

	// BOM, mixed case and padding are all tolerated in the header row
	content := "\uFEFFEmployee_Number, FIRST_NAME ,last_name,email,department,salary,currency,country_code,start_date\n"
	path := writeTempCSV(t, "header.csv", content)

	src, err := p.Open(path)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, model.CanonicalFields, src.Headers)

	// The same file must also pass structural validation.
	problems, err := p.ValidateStructure(path)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestSource_Next(t *testing.T) {
	p := NewParser(0)
	content := canonicalHeader + "\n" +
		"EMP-00000001,Amina,Okafor,amina@workmail.co,Engineering,85000,USD,NG,2022-03-15\n" +
		"EMP-00000002,Kofi,Mensah,kofi@workmail.co,Sales,40000,USD,GB,2020-07-01\n"
	path := writeTempCSV(t, "rows.csv", content)

	src, err := p.Open(path)
	require.NoError(t, err)
	defer src.Close()

	cells, n, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "EMP-00000001", cells[0])

	_, n, err = src.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, _, err = src.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestParser_ValidateStructure(t *testing.T) {
	p := NewParser(0)

	t.Run("sound file has no problems", func(t *testing.T) {
		path := writeTempCSV(t, "ok.csv", canonicalHeader+"\nEMP-00000001,Amina,Okafor,a@b.c,Engineering,1,USD,NG,2022-03-15\n")
		problems, err := p.ValidateStructure(path)
		require.NoError(t, err)
		assert.Empty(t, problems)
	})

	t.Run("missing salary header reported", func(t *testing.T) {
		header := strings.Replace(canonicalHeader, "salary,", "", 1)
		path := writeTempCSV(t, "nosalary.csv", header+"\n")
		problems, err := p.ValidateStructure(path)
		require.NoError(t, err)
		require.NotEmpty(t, problems)

		joined := strings.Join(problems, "; ")
		assert.Contains(t, joined, `missing required header "salary"`)
		assert.Contains(t, joined, "expected at least 9")
	})

	t.Run("unexpected extra header reported", func(t *testing.T) {
		path := writeTempCSV(t, "extra.csv", canonicalHeader+",shoe_size\n")
		problems, err := p.ValidateStructure(path)
		require.NoError(t, err)
		assert.Contains(t, strings.Join(problems, "; "), `unexpected header "shoe_size"`)
	})

	t.Run("row wider than header reported", func(t *testing.T) {
		content := canonicalHeader + "\nEMP-00000001,Amina,Okafor,a@b.c,Engineering,1,USD,NG,2022-03-15,extra\n"
		path := writeTempCSV(t, "wide.csv", content)
		problems, err := p.ValidateStructure(path)
		require.NoError(t, err)
		assert.Contains(t, strings.Join(problems, "; "), "more than the 9 header columns")
	})
}

func TestParser_Statistics(t *testing.T) {
	p := NewParser(0)
	content := canonicalHeader + "\n" +
		"EMP-00000001,Amina,Okafor,a@b.c,Engineering,1,USD,NG,2022-03-15\n" +
		"EMP-00000002,Kofi,Mensah,k@b.c,Sales,2,USD,GB,2020-07-01\n" +
		"EMP-00000003,Naledi,Dlamini,n@b.c,Support,3,ZAR,ZA,2019-02-11\n"
	path := writeTempCSV(t, "stats.csv", content)

	stats, err := p.Statistics(path)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.RowCount)
	assert.Equal(t, model.CanonicalFields, stats.Headers)
	assert.Equal(t, int64(len(content)), stats.Size)
}
