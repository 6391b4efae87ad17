// Package metrics exposes the Prometheus instrumentation for the sync
// engine and keystore: save outcomes, conflicts, autosave debounce
// firings, and keystore locks.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vaultcore"

// Registry is a dedicated registry so tests can assert on a clean set of
// series instead of sharing prometheus.DefaultRegisterer with other code
// linked into the same binary.
var Registry = prometheus.NewRegistry()

var (
	// SavesTotal counts save attempts by outcome: ok, conflict_unresolved,
	// offline, unauthorized, payload_too_large.
	SavesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saves",
			Name:      "total",
			Help:      "Total number of manifest save attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// ConflictsTotal counts merge-and-retry invocations.
	ConflictsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Total number of 409 conflicts that triggered a merge-and-retry.",
		},
	)

	// AutosaveDebounceTotal counts debounce-timer firings that triggered a
	// save attempt.
	AutosaveDebounceTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "autosave_debounce_total",
			Help:      "Total number of autosave debounce firings.",
		},
	)

	// KeystoreLocksTotal counts keystore zeroize events by reason: idle,
	// expired, explicit.
	KeystoreLocksTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keystore",
			Name:      "locks_total",
			Help:      "Total number of keystore zeroize events by reason.",
		},
		[]string{"reason"},
	)
)

// Handler returns the HTTP handler serving this package's registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
