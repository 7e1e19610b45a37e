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

package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/ahoma/drainhold/pkg/metrics"
)

// MetricsServer serves the controller's Prometheus metrics.
type MetricsServer struct {
	collector *metrics.Collector
	registry  *prometheus.Registry
}

// NewMetricsServer creates a metrics server and registers the collector with
// both a private registry and controller-runtime's global one, so the
// drain metrics appear regardless of which endpoint a scraper hits.
func NewMetricsServer(collector *metrics.Collector) *MetricsServer {
	registry := prometheus.NewRegistry()
	if collector != nil {
		registry.MustRegister(collector)
		// The global registry outlives server instances, so tolerate a
		// collector that is already present.
		_ = ctrlmetrics.Registry.Register(collector)
	}
	return &MetricsServer{collector: collector, registry: registry}
}

// MetricsHandler implements the /metrics endpoint in Prometheus exposition
// format.
func (m *MetricsServer) MetricsHandler(c *gin.Context) {
	handler := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
		Registry:      m.registry,
		Timeout:       30 * time.Second,
	})
	gin.WrapH(handler)(c)
}

// GetRegistry returns the private registry. Tests use it to scrape without
// an HTTP round trip.
func (m *MetricsServer) GetRegistry() *prometheus.Registry {
	return m.registry
}
