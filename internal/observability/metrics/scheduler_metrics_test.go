package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/subtrack/internal/authorization"
	subscriptiondomain "github.com/smallbiznis/subtrack/internal/subscription/domain"
	"gorm.io/gorm"
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
			name: "forbidden",
			err:  authorization.ErrForbidden,
			want: SchedulerJobReasonForbidden,
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
		ServiceName: "subtrack",
		Environment: "test",
	})

	metrics.AddBatchProcessed("promote_grace", "subscriptions", 3)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("promote_grace", "subscriptions"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestIncSubscriptionTransitionUsesPrebuiltCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "subtrack",
		Environment: "test",
	})

	metrics.IncSubscriptionTransition(
		string(subscriptiondomain.StatusCanceled),
		string(subscriptiondomain.StatusGracePeriod),
	)

	got := testutil.ToFloat64(metrics.transitions.WithLabelValues(
		string(subscriptiondomain.StatusCanceled),
		string(subscriptiondomain.StatusGracePeriod),
	))
	if got != 1 {
		t.Fatalf("expected transition count 1, got %v", got)
	}
}

func TestSchedulerMetricsCarryServiceLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "subtrack",
		Environment: "test",
	})

	metrics.IncJobRun("promote_grace")

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var family *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "subtrack_scheduler_job_runs_total" {
			family = f
			break
		}
	}
	if family == nil {
		t.Fatal("job runs metric family not registered")
	}
	if family.GetType() != dto.MetricType_COUNTER {
		t.Fatalf("expected counter, got %v", family.GetType())
	}

	labels := map[string]string{}
	for _, pair := range family.GetMetric()[0].GetLabel() {
		labels[pair.GetName()] = pair.GetValue()
	}
	if labels["service"] != "subtrack" || labels["env"] != "test" {
		t.Fatalf("expected service/env labels, got %v", labels)
	}
}
