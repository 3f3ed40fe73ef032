package kpi

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPostgresSinkExport(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	set := &Set{
		GeneratedAt: "2026-08-01T10:00:00Z",
		WindowRuns:  5,
		KPIs: map[string]*KPI{
			"policy::v1": {
				Key:              "policy::v1",
				TotalRuns:        5,
				SuccessRate:      0.8,
				FailureRate:      0.2,
				AvgCostUSD:       0.1,
				AvgLatencyMs:     1200,
				P95LatencyMs:     2000,
				EvidencePassRate: 0.9,
				FailureCauses:    map[string]int{"TOOL_TIMEOUT": 1},
			},
		},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO policy_kpis")
	prep.ExpectExec().
		WithArgs("2026-08-01T10:00:00Z", "policy::v1", 5, 0.8, 0.2, 0.1, float64(1200),
			int64(2000), 0.9, []byte(`{"TOOL_TIMEOUT":1}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	sink := NewPostgresSink(db)
	require.NoError(t, sink.Export(context.Background(), set))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSinkExportRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	set := &Set{
		GeneratedAt: "2026-08-01T10:00:00Z",
		KPIs: map[string]*KPI{
			"policy::v1": {Key: "policy::v1", TotalRuns: 1},
		},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO policy_kpis")
	prep.ExpectExec().WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	sink := NewPostgresSink(db)
	require.Error(t, sink.Export(context.Background(), set))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSinkInit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS policy_kpis").
		WillReturnResult(sqlmock.NewResult(0, 0))

	sink := NewPostgresSink(db)
	require.NoError(t, sink.Init(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
