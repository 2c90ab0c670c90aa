package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const (
	eventsMetric = "aero_xhr_signaling_events_total"
	activeMetric = "aero_xhr_signaling_active"
)

// GaugeFunc reports point-in-time values (e.g. active pairs, queued messages)
// keyed by a short kind label.
type GaugeFunc func() map[string]int

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// Counters are exported as one metric with an `event` label. When gauges is
// non-nil its values are exported as a second metric with a `kind` label.
func PrometheusHandler(m *Metrics, gauges GaugeFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		snap := m.Snapshot()
		_, _ = fmt.Fprintf(w, "# HELP %s Relay event counters.\n", eventsMetric)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", eventsMetric)
		for _, k := range sortedKeys(snap) {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", eventsMetric, escapeLabel(k), snap[k])
		}

		if gauges == nil {
			return
		}
		values := gauges()
		_, _ = fmt.Fprintf(w, "# HELP %s Relay state currently held in memory.\n", activeMetric)
		_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", activeMetric)
		for _, k := range sortedKeys(values) {
			_, _ = fmt.Fprintf(w, "%s{kind=\"%s\"} %d\n", activeMetric, escapeLabel(k), values[k])
		}
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

func escapeLabel(v string) string {
	return labelEscaper.Replace(v)
}
