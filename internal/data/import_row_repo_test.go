package data

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/peopleflow/importd/internal/errors"

	"github.com/peopleflow/importd/internal/core"
	"github.com/peopleflow/importd/internal/domain/model"
	"github.com/peopleflow/importd/internal/testutil"
)

func testRowData(employeeNumber, email string) model.RowData {
	return model.RowData{
		"employee_number": employeeNumber,
		"first_name":      "Amina",
		"last_name":       "Okafor",
		"email":           email,
		"department":      "Engineering",
		"salary":          "85000",
		"currency":        "USD",
		"country_code":    "NG",
		"start_date":      "2022-03-15",
	}
}

func seedRows(t *testing.T, db *sql.DB, jobID string, count int) []model.ImportRow {
	t.Helper()
	repo := NewImportRowRepo(db, &RealTimeProvider{})

	rows := make([]model.ImportRow, count)
	for i := range rows {
		rows[i] = model.ImportRow{
			RowNumber: i + 2,
			RawData: testRowData(
				fmt.Sprintf("EMP-0000000%d", i+1),
				fmt.Sprintf("emp%d@workmail.co", i+1),
			),
		}
	}
	inserted, err := repo.BulkInsert(context.Background(), jobID, rows, 2)
	require.NoError(t, err)
	require.Equal(t, count, inserted)

	stored, err := repo.ListChunk(context.Background(), jobID, []model.RowStatus{model.RowStatusPending}, 0, count)
	require.NoError(t, err)
	require.Len(t, stored, count)
	return stored
}

func TestImportRowRepo_BulkInsert_Idempotent(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewImportRowRepo(db, &RealTimeProvider{})
		job := createImportJob(t, db, "employees.csv")

		rows := []model.ImportRow{
			{RowNumber: 2, RawData: testRowData("EMP-00000001", "a@workmail.co")},
			{RowNumber: 3, RawData: testRowData("EMP-00000002", "b@workmail.co")},
		}
		inserted, err := repo.BulkInsert(ctx, job.ID, rows, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, inserted)

		// re-materializing after a crash inserts nothing new
		inserted, err = repo.BulkInsert(ctx, job.ID, rows, 1)
		require.NoError(t, err)
		assert.Equal(t, 0, inserted)

		has, err := repo.HasRows(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, has)

		counts, err := repo.CountByStatus(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, counts[model.RowStatusPending])
	})
}

func TestImportRowRepo_ListChunk(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewImportRowRepo(db, &RealTimeProvider{})
		job := createImportJob(t, db, "employees.csv")
		seedRows(t, db, job.ID, 5)

		chunk, err := repo.ListChunk(ctx, job.ID, []model.RowStatus{model.RowStatusPending}, 0, 2)
		require.NoError(t, err)
		require.Len(t, chunk, 2)
		assert.Equal(t, 2, chunk[0].RowNumber)
		assert.Equal(t, 3, chunk[1].RowNumber)

		chunk, err = repo.ListChunk(ctx, job.ID, []model.RowStatus{model.RowStatusPending}, chunk[1].RowNumber, 10)
		require.NoError(t, err)
		require.Len(t, chunk, 3)
		assert.Equal(t, 4, chunk[0].RowNumber)

		// status filter excludes everything else
		chunk, err = repo.ListChunk(ctx, job.ID, []model.RowStatus{model.RowStatusSuccess}, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, chunk)
	})
}

func TestImportRowRepo_UpdateOutcome(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewImportRowRepo(db, &RealTimeProvider{})
		job := createImportJob(t, db, "employees.csv")
		rows := seedRows(t, db, job.ID, 2)

		err := repo.UpdateOutcome(ctx, rows[0].ID, model.RowOutcome{
			Status:       model.RowStatusFailed,
			ErrorMessage: "validation failed",
			ValidationErrors: map[string][]string{
				"salary": {"salary must be a number"},
			},
		}, time.Now())
		require.NoError(t, err)

		settled, err := repo.ListChunk(ctx, job.ID, []model.RowStatus{model.RowStatusFailed}, 0, 10)
		require.NoError(t, err)
		require.Len(t, settled, 1)
		require.NotNil(t, settled[0].ErrorMessage)
		assert.Equal(t, "validation failed", *settled[0].ErrorMessage)
		assert.Equal(t, []string{"salary must be a number"}, settled[0].ValidationErrors["salary"])
		require.NotNil(t, settled[0].ProcessedAt)

		// terminal rows are never overwritten
		err = repo.UpdateOutcome(ctx, rows[0].ID, model.RowOutcome{Status: model.RowStatusSuccess}, time.Now())
		require.Error(t, err)
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestImportRowRepo_MarkRemainingSkipped(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewImportRowRepo(db, &RealTimeProvider{})
		job := createImportJob(t, db, "employees.csv")
		rows := seedRows(t, db, job.ID, 3)

		err := repo.UpdateOutcome(ctx, rows[0].ID, model.RowOutcome{Status: model.RowStatusSuccess}, time.Now())
		require.NoError(t, err)

		skipped, err := repo.MarkRemainingSkipped(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, skipped)

		counts, err := repo.CountByStatus(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[model.RowStatusSuccess])
		assert.Equal(t, 2, counts[model.RowStatusSkipped])
	})
}

func TestImportRowRepo_ByRowNumbers(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewImportRowRepo(db, &RealTimeProvider{})
		job := createImportJob(t, db, "employees.csv")
		seedRows(t, db, job.ID, 4)

		rows, err := repo.ByRowNumbers(ctx, job.ID, []int{3, 5})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, 3, rows[0].RowNumber)
		assert.Equal(t, 5, rows[1].RowNumber)
		assert.Equal(t, "EMP-00000002", rows[0].RawData.Get("employee_number"))

		rows, err = repo.ByRowNumbers(ctx, job.ID, nil)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}

func TestImportRowRepo_Page(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewImportRowRepo(db, &RealTimeProvider{})
		job := createImportJob(t, db, "employees.csv")
		rows := seedRows(t, db, job.ID, 3)

		err := repo.UpdateOutcome(ctx, rows[1].ID, model.RowOutcome{Status: model.RowStatusSuccess}, time.Now())
		require.NoError(t, err)

		page, total, err := repo.Page(ctx, job.ID, core.RowPageQuery{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, page, 2)
		assert.Equal(t, 2, page[0].RowNumber)

		successes, total, err := repo.Page(ctx, job.ID, core.RowPageQuery{Limit: 10, Status: "success"})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, successes, 1)
		assert.Equal(t, rows[1].ID, successes[0].ID)

		_, _, err = repo.Page(ctx, job.ID, core.RowPageQuery{Status: "bogus"})
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestImportRowRepo_SuccessfulEmployeeKeys(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewImportRowRepo(db, &RealTimeProvider{})
		job := createImportJob(t, db, "employees.csv")
		rows := seedRows(t, db, job.ID, 3)

		err := repo.UpdateOutcome(ctx, rows[0].ID, model.RowOutcome{Status: model.RowStatusSuccess}, time.Now())
		require.NoError(t, err)
		err = repo.UpdateOutcome(ctx, rows[1].ID, model.RowOutcome{Status: model.RowStatusFailed}, time.Now())
		require.NoError(t, err)

		numbers, emails, err := repo.SuccessfulEmployeeKeys(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"EMP-00000001": rows[0].RowNumber}, numbers)
		assert.Equal(t, map[string]int{"emp1@workmail.co": rows[0].RowNumber}, emails)
	})
}
