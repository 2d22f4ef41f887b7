package core

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"schemahub/pkg/domain"
)

func TestMetricsRecordOperations(t *testing.T) {
	m := NewMetrics()
	m.ObserveOperation("table.create", nil, 2*time.Millisecond)
	m.ObserveOperation("table.create", domain.NotFound("table.create", "/A/"), time.Millisecond)
	m.ObserveOperation("table.create", errors.New("boom"), time.Millisecond)

	if got := testutil.ToFloat64(m.operations.WithLabelValues("table.create", "ok")); got != 1 {
		t.Fatalf("ok count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("table.create", string(domain.KindNotFound))); got != 1 {
		t.Fatalf("not_found count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("table.create", string(domain.KindUnexpected))); got != 1 {
		t.Fatalf("unexpected count = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.durations); n != 1 {
		t.Fatalf("duration series = %d, want 1", n)
	}
}

func TestMetricsGauges(t *testing.T) {
	m := NewMetrics()
	m.ObserveActiveDomains(3)
	m.ObserveLocks(5)
	m.ObserveQueue("database:main", 2)
	m.ObserveQueue("database:main", 0)

	if got := testutil.ToFloat64(m.activeDomains); got != 3 {
		t.Fatalf("active domains = %v", got)
	}
	if got := testutil.ToFloat64(m.locks); got != 5 {
		t.Fatalf("locks = %v", got)
	}
	if got := testutil.ToFloat64(m.queueDepth.WithLabelValues("database:main")); got != 0 {
		t.Fatalf("queue depth = %v", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.ObserveLocks(1)
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "schemahub_repository_locks 1") {
		t.Fatalf("metrics body missing lock gauge:\n%s", body)
	}
}
