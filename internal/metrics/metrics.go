// Package metrics exposes store activity as Prometheus collectors.
package metrics

import (
	"sync"

	"github.com/MarcoPoloResearchLab/recordstore/internal/history"
	"github.com/MarcoPoloResearchLab/recordstore/internal/records"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "recordstore"

// Collectors aggregates the activity of every observed store.
type Collectors struct {
	transactions   *prometheus.CounterVec
	recordChanges  *prometheus.CounterVec
	historyEntries prometheus.Gauge
	listeners      prometheus.Gauge
	notifications  prometheus.Counter
}

// NewCollectors registers the store collectors with registerer.
func NewCollectors(registerer prometheus.Registerer) *Collectors {
	factory := promauto.With(registerer)
	return &Collectors{
		transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Committed non-empty transactions by source",
		}, []string{"source"}),
		recordChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_changes_total",
			Help:      "Records added, updated or removed by committed transactions",
		}, []string{"kind"}),
		historyEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_entries",
			Help:      "History entries currently retained across stores",
		}),
		listeners: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners",
			Help:      "Registered store listeners",
		}),
		notifications: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_notifications_total",
			Help:      "Notifications delivered to store listeners",
		}),
	}
}

// StoreObserver feeds one store's activity into the shared collectors. Gauges are tracked as
// deltas so several stores can report into the same series.
type StoreObserver struct {
	collectors *Collectors

	mu            sync.Mutex
	lastHistory   int
	lastListeners int
}

// Observer returns an observer for a single store.
func (c *Collectors) Observer() *StoreObserver {
	return &StoreObserver{collectors: c}
}

func (o *StoreObserver) TransactionCommitted(source history.Source, diff records.Diff) {
	o.collectors.transactions.WithLabelValues(string(source)).Inc()
	o.collectors.recordChanges.WithLabelValues("added").Add(float64(len(diff.Added)))
	o.collectors.recordChanges.WithLabelValues("updated").Add(float64(len(diff.Updated)))
	o.collectors.recordChanges.WithLabelValues("removed").Add(float64(len(diff.Removed)))
}

func (o *StoreObserver) HistoryRetained(entries int) {
	o.mu.Lock()
	delta := entries - o.lastHistory
	o.lastHistory = entries
	o.mu.Unlock()
	o.collectors.historyEntries.Add(float64(delta))
}

func (o *StoreObserver) ListenersChanged(count int) {
	o.mu.Lock()
	delta := count - o.lastListeners
	o.lastListeners = count
	o.mu.Unlock()
	o.collectors.listeners.Add(float64(delta))
}

func (o *StoreObserver) ListenerNotified() {
	o.collectors.notifications.Inc()
}

// Release withdraws this store's contribution to the gauges once the store is closed.
func (o *StoreObserver) Release() {
	o.HistoryRetained(0)
	o.ListenersChanged(0)
}
