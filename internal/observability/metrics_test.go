package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// The collectors register with the default registry, so tests exercise
// locally constructed vecs with the same shapes instead of calling
// NewMetrics repeatedly.

func TestTurnCounterLabels(t *testing.T) {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_turns_total",
			Help: "Test turn counter",
		},
		[]string{"model", "status"},
	)

	counter.WithLabelValues("hosted", "success").Inc()
	counter.WithLabelValues("hosted", "success").Inc()
	counter.WithLabelValues("local", "error").Inc()

	if count := testutil.CollectAndCount(counter); count != 2 {
		t.Errorf("label combinations = %d, want 2", count)
	}

	expected := `
		# HELP test_turns_total Test turn counter
		# TYPE test_turns_total counter
		test_turns_total{model="hosted",status="success"} 2
		test_turns_total{model="local",status="error"} 1
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestTokenAccumulation(t *testing.T) {
	tokens := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_model_tokens_total",
			Help: "Test token counter",
		},
		[]string{"model", "type"},
	)

	tokens.WithLabelValues("hosted", "prompt").Add(120)
	tokens.WithLabelValues("hosted", "prompt").Add(80)
	tokens.WithLabelValues("hosted", "completion").Add(45)

	expected := `
		# HELP test_model_tokens_total Test token counter
		# TYPE test_model_tokens_total counter
		test_model_tokens_total{model="hosted",type="completion"} 45
		test_model_tokens_total{model="hosted",type="prompt"} 200
	`
	if err := testutil.CollectAndCompare(tokens, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestSessionGauges(t *testing.T) {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "test_sessions",
			Help: "Test session gauge",
		},
		[]string{"state"},
	)

	// Connect two, suspend one.
	gauge.WithLabelValues("live").Set(2)
	gauge.WithLabelValues("suspended").Set(0)
	gauge.WithLabelValues("live").Set(1)
	gauge.WithLabelValues("suspended").Set(1)

	expected := `
		# HELP test_sessions Test session gauge
		# TYPE test_sessions gauge
		test_sessions{state="live"} 1
		test_sessions{state="suspended"} 1
	`
	if err := testutil.CollectAndCompare(gauge, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected gauge value: %v", err)
	}
}

func TestToolDurationBuckets(t *testing.T) {
	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_tool_execution_duration_seconds",
			Help:    "Test tool duration",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"tool_name"},
	)

	for _, d := range []float64{0.004, 0.09, 2.5, 45} {
		histogram.WithLabelValues("core__web_fetch").Observe(d)
	}

	if testutil.CollectAndCount(histogram) != 1 {
		t.Error("expected one labeled series")
	}
}

func TestConcurrentRecording(t *testing.T) {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_concurrent_total",
			Help: "Test concurrent counter",
		},
		[]string{"label"},
	)

	done := make(chan struct{})
	for _, label := range []string{"a", "b"} {
		go func(label string) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				counter.WithLabelValues(label).Inc()
			}
		}(label)
	}
	<-done
	<-done

	expected := `
		# HELP test_concurrent_total Test concurrent counter
		# TYPE test_concurrent_total counter
		test_concurrent_total{label="a"} 100
		test_concurrent_total{label="b"} 100
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected counter value: %v", err)
	}
}
