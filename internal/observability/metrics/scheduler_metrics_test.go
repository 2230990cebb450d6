package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"

	gatewaydomain "github.com/fableworks/loreline/internal/gateway/domain"
	ledgerdomain "github.com/fableworks/loreline/internal/ledger/domain"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "insufficient_credit",
			err:  fmt.Errorf("admit: %w", ledgerdomain.ErrInsufficientBalance),
			want: SchedulerJobReasonInsufficientCredit,
		},
		{
			name: "external_timeout",
			err:  gatewaydomain.ErrOperationTimeout,
			want: SchedulerJobReasonExternalTimeout,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "loreline",
		Environment: "test",
	})

	metrics.AddBatchProcessed("data_correction", "entities", 3)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("data_correction", "entities"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestSessionMetricsCountFinalized(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSessionMetrics(registry, Config{
		ServiceName: "loreline",
		Environment: "test",
	})

	metrics.IncSessionFinalized("character", "SUCCEEDED")
	metrics.IncSessionFinalized("character", "SUCCEEDED")
	metrics.AddCreditsSettled(25)

	got := testutil.ToFloat64(metrics.finalized.WithLabelValues("character", "SUCCEEDED"))
	if got != 2 {
		t.Fatalf("expected finalized count 2, got %v", got)
	}
	settled := testutil.ToFloat64(metrics.creditsSettled)
	if settled != 25 {
		t.Fatalf("expected 25 credits settled, got %v", settled)
	}
}
