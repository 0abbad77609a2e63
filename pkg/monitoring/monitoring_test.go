package monitoring

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/examwatch/proctor/pkg/config/monitoring"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestMonitoring(t *testing.T) {
	reg := prometheus.NewRegistry()
	rooms := prometheus.NewGauge(prometheus.GaugeOpts{Name: "proctor_test_rooms"})
	reg.MustRegister(rooms)
	rooms.Set(3)

	tests := []struct {
		name    string
		conf    monitoring.Config
		metrics int
		pprof   int
	}{
		{name: "metrics", conf: monitoring.Config{URLPrefix: "/coordinator", MetricEnabled: true}, metrics: 200, pprof: 404},
		{name: "pprof", conf: monitoring.Config{ProfilingEnabled: true}, metrics: 404, pprof: 200},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m, err := New(test.conf, reg, logger.Nop())
			if err != nil {
				t.Fatal(err)
			}
			m.Run()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = m.Shutdown(ctx)
			}()

			code, body := get(t, m.URL()+test.conf.MetricsPath())
			if code != test.metrics {
				t.Errorf("metrics: %v", code)
			}
			if code == 200 && !strings.Contains(body, "proctor_test_rooms 3") {
				t.Errorf("no gauge in %v", body)
			}
			if code, _ := get(t, m.URL()+test.conf.ProfilePath()+"/heap"); code != test.pprof {
				t.Errorf("pprof: %v", code)
			}
		})
	}
}
