/*
Copyright 2024 The Drainhold Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes Prometheus collectors for the drain controller.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label values for the intercept counter.
const (
	OperationDelete   = "delete"
	OperationEviction = "eviction"

	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
	DecisionErrored = "errored"
)

// Collector holds every metric the controller publishes.
type Collector struct {
	intercepts        *prometheus.CounterVec
	activeDrains      prometheus.Gauge
	evictionRetries   prometheus.Counter
	forcedTransitions prometheus.Counter
	stuckPods         prometheus.Counter
	drainDuration     prometheus.Histogram
}

// NewCollector creates the collector with all metrics initialized.
func NewCollector() *Collector {
	return &Collector{
		intercepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drainhold_admission_intercepts_total",
			Help: "Admission requests seen by the webhook, by operation and decision.",
		}, []string{"operation", "decision"}),
		activeDrains: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drainhold_active_drains",
			Help: "Pods currently owned by a drain task.",
		}),
		evictionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drainhold_eviction_retries_total",
			Help: "Eviction attempts that were blocked by a disruption budget and retried.",
		}),
		forcedTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drainhold_forced_drain_transitions_total",
			Help: "Evicting pods forced into draining after the retry ceiling elapsed.",
		}),
		stuckPods: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drainhold_stuck_pods_total",
			Help: "Pods whose final removal kept failing past the retry limit.",
		}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "drainhold_drain_duration_seconds",
			Help:    "Time from first intercept to completed removal.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.intercepts.Describe(ch)
	c.activeDrains.Describe(ch)
	ch <- c.evictionRetries.Desc()
	ch <- c.forcedTransitions.Desc()
	ch <- c.stuckPods.Desc()
	ch <- c.drainDuration.Desc()
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.intercepts.Collect(ch)
	c.activeDrains.Collect(ch)
	ch <- c.evictionRetries
	ch <- c.forcedTransitions
	ch <- c.stuckPods
	ch <- c.drainDuration
}

// RecordIntercept counts one admission request.
func (c *Collector) RecordIntercept(operation, decision string) {
	c.intercepts.WithLabelValues(operation, decision).Inc()
}

// DrainStarted marks a new drain task.
func (c *Collector) DrainStarted() {
	c.activeDrains.Inc()
}

// DrainFinished marks a completed or cancelled drain task and records its
// total duration.
func (c *Collector) DrainFinished(duration time.Duration) {
	c.activeDrains.Dec()
	c.drainDuration.Observe(duration.Seconds())
}

// RecordEvictionRetry counts a budget-blocked eviction attempt.
func (c *Collector) RecordEvictionRetry() {
	c.evictionRetries.Inc()
}

// RecordForcedTransition counts a drain forced past an exhausted budget.
func (c *Collector) RecordForcedTransition() {
	c.forcedTransitions.Inc()
}

// RecordStuckPod counts a pod whose removal failed past the retry limit.
func (c *Collector) RecordStuckPod() {
	c.stuckPods.Inc()
}
