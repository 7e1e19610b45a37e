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

// Package config loads and validates the controller configuration from
// command-line flags with downward-API environment fallbacks.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// FailurePolicy decides what the admission webhook answers when its own
// processing fails.
type FailurePolicy string

const (
	// FailurePolicyIgnore fails open: an internal error lets the request
	// through so the controller can never wedge pod deletion cluster-wide.
	FailurePolicyIgnore FailurePolicy = "ignore"

	// FailurePolicyFail fails closed: an internal error rejects the
	// request.
	FailurePolicyFail FailurePolicy = "fail"
)

// Environment variables populated by the downward API in the deployment
// manifest.
const (
	envPodNamespace   = "POD_NAMESPACE"
	envServiceAccount = "SERVICE_ACCOUNT_NAME"
)

// Config contains the complete runtime configuration of the controller.
type Config struct {
	// Basic configuration
	MetricsAddr      string
	ProbeAddr        string
	LeaderElection   bool
	LeaderElectionID string
	Namespace        string
	LogLevel         string

	// Webhook configuration
	WebhookPort    int
	WebhookCertDir string
	FailurePolicy  FailurePolicy
	ServiceAccount string

	// Drain configuration
	DeleteAfter                time.Duration
	EvictRetryInterval         time.Duration
	EvictRetryCeiling          time.Duration
	ExecutorRetryLimit         int
	MembershipCacheTTL         time.Duration
	PDBResyncInterval          time.Duration
	ExperimentalGeneralIngress bool
}

// BindFlags registers every configuration flag on the given flag set.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.MetricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	fs.StringVar(&c.ProbeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	fs.BoolVar(&c.LeaderElection, "leader-elect", false, "Enable leader election for the controller manager.")
	fs.StringVar(&c.LeaderElectionID, "leader-election-id", "drainhold-controller-leader", "The name of the leader election lease.")
	fs.StringVar(&c.Namespace, "namespace", os.Getenv(envPodNamespace), "The namespace the controller runs in.")
	fs.StringVar(&c.LogLevel, "log-level", "info", "Log level (debug, info, warn, error).")

	fs.IntVar(&c.WebhookPort, "webhook-port", 9443, "Port for the admission webhook server.")
	fs.StringVar(&c.WebhookCertDir, "webhook-cert-dir", "/tmp/k8s-webhook-server/serving-certs", "Directory containing the webhook serving certificate.")
	fs.StringVar((*string)(&c.FailurePolicy), "webhook-failure-policy", string(FailurePolicyIgnore), "What to answer when webhook processing fails internally: ignore (fail open) or fail (fail closed).")
	fs.StringVar(&c.ServiceAccount, "service-account", os.Getenv(envServiceAccount), "Name of the controller's own service account, used to recognize and admit its own API calls.")

	fs.DurationVar(&c.DeleteAfter, "delete-after", 20*time.Second, "How long a drained pod is kept alive after its removal was intercepted.")
	fs.DurationVar(&c.EvictRetryInterval, "evict-retry-interval", 5*time.Second, "Interval between eviction attempts while a disruption budget blocks the pod.")
	fs.DurationVar(&c.EvictRetryCeiling, "evict-retry-ceiling", 5*time.Minute, "Maximum total time to wait for a disruption budget before forcing the drain.")
	fs.IntVar(&c.ExecutorRetryLimit, "executor-retry-limit", 5, "Attempts for the final removal call before the pod is reported stuck.")
	fs.DurationVar(&c.MembershipCacheTTL, "membership-cache-ttl", time.Second, "How long the ingress backend index is memoized.")
	fs.DurationVar(&c.PDBResyncInterval, "pdb-resync-interval", 10*time.Minute, "Interval between full relists of PodDisruptionBudgets.")
	fs.BoolVar(&c.ExperimentalGeneralIngress, "experimental-general-ingress", false, "Count default-backend and portless path rules as ingress membership.")
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.DeleteAfter <= 0 {
		return fmt.Errorf("delete-after must be positive, got %s", c.DeleteAfter)
	}
	if c.EvictRetryInterval <= 0 {
		return fmt.Errorf("evict-retry-interval must be positive, got %s", c.EvictRetryInterval)
	}
	if c.EvictRetryCeiling < c.EvictRetryInterval {
		return fmt.Errorf("evict-retry-ceiling %s is shorter than evict-retry-interval %s", c.EvictRetryCeiling, c.EvictRetryInterval)
	}
	if c.ExecutorRetryLimit < 1 {
		return fmt.Errorf("executor-retry-limit must be at least 1, got %d", c.ExecutorRetryLimit)
	}
	if c.FailurePolicy != FailurePolicyIgnore && c.FailurePolicy != FailurePolicyFail {
		return fmt.Errorf("webhook-failure-policy must be %q or %q, got %q", FailurePolicyIgnore, FailurePolicyFail, c.FailurePolicy)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log-level must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	return nil
}

// SelfUsername returns the Kubernetes username the controller's API calls
// authenticate as. Empty when the identity is not configured.
func (c *Config) SelfUsername() string {
	if c.Namespace == "" || c.ServiceAccount == "" {
		return ""
	}
	return fmt.Sprintf("system:serviceaccount:%s:%s", c.Namespace, c.ServiceAccount)
}
