package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersEverySeries(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecipesAttempted.Inc()
	m.RecipesSucceeded.Inc()
	m.RecipesFailed.WithLabelValues("bad_versions").Inc()
	m.PendingBatches.Set(3)
	m.FocusSetDepth.Set(2)
	m.BacklogDepth.Set(1)
	m.SkipFilterHits.Inc()
	m.SkipFilterMisses.Inc()
	m.BacklogSubmitted.Inc()
	m.BacklogRecharged.Inc()

	count, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if count != 10 {
		t.Errorf("registered series count = %d, want 10", count)
	}

	if got := testutil.ToFloat64(m.PendingBatches); got != 3 {
		t.Errorf("PendingBatches = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.RecipesFailed.WithLabelValues("bad_versions")); got != 1 {
		t.Errorf("RecipesFailed{bad_versions} = %v, want 1", got)
	}
}
