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

// Package server provides the HTTP surface of the drainhold controller:
// health and readiness probes and the Prometheus metrics endpoint.
package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
)

// HealthChecker backs the /healthz and /readyz endpoints. Readiness is
// deliberately strict: until the PDB snapshot cache has completed its first
// list the webhook would make blind decisions, so the pod must not receive
// admission traffic.
type HealthChecker struct {
	kubeClient kubernetes.Interface
	cacheSync  func() bool
	startTime  time.Time

	mu             sync.RWMutex
	notReadyReason string
}

// NewHealthChecker creates a health checker. cacheSync reports whether the
// PDB snapshot cache has synced; a nil func counts as synced.
func NewHealthChecker(kubeClient kubernetes.Interface, cacheSync func() bool) *HealthChecker {
	return &HealthChecker{
		kubeClient: kubeClient,
		cacheSync:  cacheSync,
		startTime:  time.Now(),
	}
}

// HealthzHandler implements the /healthz endpoint. It reports liveness: the
// process is up and can reach the Kubernetes API.
func (h *HealthChecker) HealthzHandler(c *gin.Context) {
	uptime := time.Since(h.startTime)

	if err := h.checkKubernetesAPI(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unhealthy",
			"component": "kubernetes-api",
			"error":     err.Error(),
			"uptime":    uptime.String(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": uptime.String(),
	})
}

// ReadyzHandler implements the /readyz endpoint. Returns 200 only when the
// controller can safely serve admission requests.
func (h *HealthChecker) ReadyzHandler(c *gin.Context) {
	h.mu.RLock()
	notReadyReason := h.notReadyReason
	h.mu.RUnlock()

	checks := map[string]string{}
	ready := true

	if notReadyReason != "" {
		checks["manual-check"] = fmt.Sprintf("not ready: %s", notReadyReason)
		ready = false
	}

	if err := h.checkKubernetesAPI(); err != nil {
		checks["kubernetes-api"] = fmt.Sprintf("failed: %v", err)
		ready = false
	} else {
		checks["kubernetes-api"] = "ok"
	}

	if h.cacheSync != nil && !h.cacheSync() {
		checks["pdb-cache"] = "initial list not complete"
		ready = false
	} else {
		checks["pdb-cache"] = "ok"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status": status,
		"checks": checks,
		"uptime": time.Since(h.startTime).String(),
	})
}

// SetNotReady marks the controller not ready. Used during shutdown so the
// webhook Service stops routing to this pod before the listener closes.
func (h *HealthChecker) SetNotReady(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notReadyReason = reason
}

// ClearNotReady clears a manual not-ready state.
func (h *HealthChecker) ClearNotReady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notReadyReason = ""
}

// GetReadyzChecker returns a controller-runtime readiness checker backed by
// the same conditions as ReadyzHandler.
func (h *HealthChecker) GetReadyzChecker() healthz.Checker {
	return func(_ *http.Request) error {
		h.mu.RLock()
		notReadyReason := h.notReadyReason
		h.mu.RUnlock()

		if notReadyReason != "" {
			return fmt.Errorf("manually set not ready: %s", notReadyReason)
		}
		if err := h.checkKubernetesAPI(); err != nil {
			return fmt.Errorf("kubernetes API check failed: %w", err)
		}
		if h.cacheSync != nil && !h.cacheSync() {
			return fmt.Errorf("PDB cache has not completed its initial list")
		}
		return nil
	}
}

func (h *HealthChecker) checkKubernetesAPI() error {
	if h.kubeClient == nil {
		return fmt.Errorf("kubernetes client not initialized")
	}
	if _, err := h.kubeClient.Discovery().ServerVersion(); err != nil {
		return fmt.Errorf("failed to connect to kubernetes API: %w", err)
	}
	return nil
}
