// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for listq. It deliberately avoids the prometheus/client_golang
// package so the runner binary stays small with no additional dependencies.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a
// single sync.Map can hold all label combinations without map nesting.
//
//	Enqueued / Finished / Shunted          →  key = "queue"
//	Held / Rejected / Discarded / Delivered →  key = "list"
//	BouncesScored                           →  key = "list\tseverity"
//
// # Prometheus text output
//
// Registry.Handler() returns an http.Handler that renders all counters in
// the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map
// and atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// Value returns the current count for key.
func (lc *labelCounter) Value(key string) int64 { return lc.get(key).Load() }

// Registry holds all listq application metrics.
type Registry struct {
	// Queue-level counters. key = queue kind.
	Enqueued labelCounter
	Finished labelCounter
	Shunted  labelCounter

	// Outcome counters. key = list name.
	Held      labelCounter
	Rejected  labelCounter
	Discarded labelCounter
	Delivered labelCounter

	// Bounce counters. key = "list\tseverity".
	BouncesScored labelCounter
}

// BounceKey builds the label key used by BouncesScored.
func BounceKey(list, severity string) string { return list + "\t" + severity }

// Handler returns an http.Handler that renders all metrics in the
// Prometheus plain-text exposition format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		queueFamily := func(name, help string, lc *labelCounter) {
			writeFamily(&b, name, help, func(fn func(labels, val string)) {
				lc.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`queue=%q`, key), fmt.Sprintf("%d", val))
				})
			})
		}
		listFamily := func(name, help string, lc *labelCounter) {
			writeFamily(&b, name, help, func(fn func(labels, val string)) {
				lc.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`list=%q`, key), fmt.Sprintf("%d", val))
				})
			})
		}

		queueFamily("listq_messages_enqueued_total",
			"Total messages durably enqueued", &r.Enqueued)
		queueFamily("listq_messages_finished_total",
			"Total messages processed to a terminal outcome", &r.Finished)
		queueFamily("listq_messages_shunted_total",
			"Total messages quarantined after repeated failures", &r.Shunted)

		listFamily("listq_messages_held_total",
			"Total messages held for moderation", &r.Held)
		listFamily("listq_messages_rejected_total",
			"Total messages rejected back to their sender", &r.Rejected)
		listFamily("listq_messages_discarded_total",
			"Total messages silently discarded", &r.Discarded)
		listFamily("listq_messages_delivered_total",
			"Total messages handed to the outgoing queue", &r.Delivered)

		writeFamily(&b, "listq_bounces_scored_total",
			"Total bounce events scored against the ledger",
			func(fn func(labels, val string)) {
				r.BouncesScored.Each(func(key string, val int64) {
					list, sev := splitTwo(key)
					fn(fmt.Sprintf(`list=%q,severity=%q`, list, sev),
						fmt.Sprintf("%d", val))
				})
			})

		fmt.Fprint(w, b.String())
	})
}

// writeFamily writes a single Prometheus counter family to b.
// fill is called with a writer function that appends label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}
