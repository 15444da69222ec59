package buildtask

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	t.Run("counts builds by status and infrastructure errors separately", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())

		m.observe(StatusSuccess, 1500)
		m.observe(StatusError, 200)
		m.observeFailure(10)
		m.setActive(2)

		if got, want := testutil.ToFloat64(m.builds.WithLabelValues(string(StatusSuccess))), 1.0; got != want {
			t.Fatalf("got %v success builds, want %v", got, want)
		}
		if got, want := testutil.ToFloat64(m.builds.WithLabelValues(string(StatusError))), 2.0; got != want {
			t.Fatalf("got %v error builds, want %v", got, want)
		}
		if got, want := testutil.ToFloat64(m.infraErrors), 1.0; got != want {
			t.Fatalf("got %v infrastructure errors, want %v", got, want)
		}
		if got, want := testutil.ToFloat64(m.active), 2.0; got != want {
			t.Fatalf("got %v active builds, want %v", got, want)
		}
	})

	t.Run("nil metrics record nothing", func(t *testing.T) {
		var m *Metrics
		m.observe(StatusSuccess, 1)
		m.observeFailure(1)
		m.setActive(1)
	})
}
