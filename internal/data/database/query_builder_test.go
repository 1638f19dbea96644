package database

import (
	"strings"
	"testing"
)

func TestBuildListQuery_BasicSelect(t *testing.T) {
	opts := NewListQueryOptions("import_jobs")
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "import_jobs"`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 0 {
		t.Errorf("Expected 0 args, got %d", len(args))
	}
}

func TestBuildListQuery_WithColumns(t *testing.T) {
	opts := NewListQueryOptions("import_jobs",
		WithColumns("id", "status", "total_rows"),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT "id", "status", "total_rows" FROM "import_jobs"`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 0 {
		t.Errorf("Expected 0 args, got %d", len(args))
	}
}

func TestBuildListQuery_CountOnly(t *testing.T) {
	opts := NewListQueryOptions("import_rows",
		WithCountOnly(),
		WithConditions(WhereCond("import_job_id", Equal, "job-1")),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT COUNT(*) FROM "import_rows" WHERE "import_job_id" = $1`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 1 || args[0] != "job-1" {
		t.Errorf("Expected args [job-1], got %v", args)
	}
}

func TestBuildListQuery_Conditions(t *testing.T) {
	opts := NewListQueryOptions("import_rows",
		WithConditions(
			WhereCond("import_job_id", Equal, "job-1"),
			WhereCond("row_number", GreaterThan, 10),
		),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "import_rows" WHERE "import_job_id" = $1 AND "row_number" > $2`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 2 || args[0] != "job-1" || args[1] != 10 {
		t.Errorf("Expected args [job-1, 10], got %v", args)
	}
}

func TestBuildListQuery_SkipsEmptyFieldConditions(t *testing.T) {
	opts := NewListQueryOptions("import_errors",
		WithConditions(
			WhereCond("", Equal, "dropped"),
			WhereCond("import_job_id", Equal, "job-1"),
		),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "import_errors" WHERE "import_job_id" = $1`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 1 {
		t.Errorf("Expected 1 arg, got %d: %v", len(args), args)
	}
}

func TestBuildListQuery_OrderBy(t *testing.T) {
	opts := NewListQueryOptions("import_jobs",
		WithOrderBy("created_at", "DESC"),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "import_jobs" ORDER BY "created_at" DESC`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 0 {
		t.Errorf("Expected 0 args, got %d", len(args))
	}
}

func TestBuildListQuery_OrderBy_InvalidDirectionDropped(t *testing.T) {
	opts := NewListQueryOptions("import_jobs",
		WithOrderBy("created_at", "SIDEWAYS"),
	)
	query, _ := BuildListQuery(opts)

	expected := `SELECT * FROM "import_jobs" ORDER BY "created_at"`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
}

func TestBuildListQuery_LimitOffset(t *testing.T) {
	opts := NewListQueryOptions("import_jobs",
		WithLimit(10),
		WithOffset(20),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "import_jobs" LIMIT $1 OFFSET $2`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 2 || args[0] != 10 || args[1] != 20 {
		t.Errorf("Expected args [10, 20], got %v", args)
	}
}

func TestBuildListQuery_ZeroOffsetIsEmitted(t *testing.T) {
	opts := NewListQueryOptions("import_errors",
		WithLimit(50),
		WithOffset(0),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "import_errors" LIMIT $1 OFFSET $2`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 2 || args[1] != 0 {
		t.Errorf("Expected offset arg 0, got %v", args)
	}
}

func TestBuildListQuery_PageQuery(t *testing.T) {
	opts := NewListQueryOptions("import_rows",
		WithColumns("id", "row_number", "status"),
		WithConditions(
			WhereCond("import_job_id", Equal, "job-1"),
			WhereCond("status", Equal, "failed"),
		),
		WithOrderBy("row_number", "ASC"),
		WithLimit(50),
		WithOffset(100),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT "id", "row_number", "status" FROM "import_rows" WHERE "import_job_id" = $1 AND "status" = $2 ORDER BY "row_number" ASC LIMIT $3 OFFSET $4`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 4 {
		t.Errorf("Expected 4 args, got %d: %v", len(args), args)
	}
}

func TestBuildListQuery_SQLInjectionPrevention(t *testing.T) {
	// Attempt SQL injection via table name
	opts := NewListQueryOptions("import_jobs; DROP TABLE import_jobs;--")
	query, _ := BuildListQuery(opts)

	// The entire malicious string becomes a quoted identifier
	expected := `SELECT * FROM "import_jobs; DROP TABLE import_jobs;--"`
	if query != expected {
		t.Errorf("Expected %q, got %q", expected, query)
	}
	if !strings.Contains(query, `"import_jobs; DROP TABLE import_jobs;--"`) {
		t.Errorf("Table name not properly quoted: %q", query)
	}
}

func TestBuildListQuery_NilOptions(t *testing.T) {
	query, args := BuildListQuery(nil)
	if query != "" || args != nil {
		t.Errorf("Expected empty query for nil options, got %q / %v", query, args)
	}
}
