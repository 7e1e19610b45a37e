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

// Package operator assembles the drainhold controller: the manager, the
// webhook handlers, the PDB snapshot cache, the drainer, and the HTTP
// surface, wired together from a validated configuration.
package operator

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	crwebhook "sigs.k8s.io/controller-runtime/pkg/webhook"

	"github.com/ahoma/drainhold/internal/config"
	"github.com/ahoma/drainhold/internal/server"
	"github.com/ahoma/drainhold/pkg/core"
	"github.com/ahoma/drainhold/pkg/membership"
	"github.com/ahoma/drainhold/pkg/metrics"
	"github.com/ahoma/drainhold/pkg/pdbcache"
	"github.com/ahoma/drainhold/pkg/webhook"
)

// recorderName identifies the controller in emitted Kubernetes events.
const recorderName = "drainhold"

// Operator owns every running component of the controller.
type Operator struct {
	config  *config.Config
	log     logr.Logger
	manager ctrl.Manager

	kubeClient    kubernetes.Interface
	collector     *metrics.Collector
	pdbCache      *pdbcache.Cache
	drainer       *core.Drainer
	healthChecker *server.HealthChecker

	started bool
}

// New builds the operator from a validated configuration.
func New(cfg *config.Config, log logr.Logger) (*Operator, error) {
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("failed to add client-go scheme: %w", err)
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			// Metrics are served by the operator's own HTTP server.
			BindAddress: "0",
		},
		WebhookServer: crwebhook.NewServer(crwebhook.Options{
			Port:    cfg.WebhookPort,
			CertDir: cfg.WebhookCertDir,
		}),
		HealthProbeBindAddress:  "0",
		LeaderElection:          cfg.LeaderElection,
		LeaderElectionID:        cfg.LeaderElectionID,
		LeaderElectionNamespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}

	kubeClient, err := kubernetes.NewForConfig(mgr.GetConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	operator := &Operator{
		config:     cfg,
		log:        log,
		manager:    mgr,
		kubeClient: kubeClient,
	}
	if err := operator.initializeComponents(); err != nil {
		return nil, err
	}
	return operator, nil
}

func (o *Operator) initializeComponents() error {
	cfg := o.config
	clk := clock.RealClock{}

	o.collector = metrics.NewCollector()
	o.pdbCache = pdbcache.NewCache(o.kubeClient, o.log, cfg.PDBResyncInterval)

	var policy membership.BackendPolicy = membership.StrictBackendPolicy{}
	if cfg.ExperimentalGeneralIngress {
		policy = membership.GeneralBackendPolicy{}
	}
	resolver := membership.NewResolver(o.manager.GetClient(), policy, cfg.MembershipCacheTTL, o.log)

	store := core.NewStore(o.manager.GetClient(), cfg.SelfUsername(), o.log)
	delayer := core.NewDelayer(o.log, clk)
	executor := core.NewExecutor(o.manager.GetClient(), o.kubeClient, o.collector,
		uint(cfg.ExecutorRetryLimit), cfg.EvictRetryInterval, cfg.EvictRetryCeiling, clk, o.log)
	recorder := o.manager.GetEventRecorderFor(recorderName)

	o.drainer = core.NewDrainer(o.manager.GetClient(), store, delayer, executor,
		resolver, o.pdbCache, recorder, o.collector, clk, o.log,
		cfg.DeleteAfter, cfg.EvictRetryInterval, cfg.EvictRetryCeiling)

	scheme := o.manager.GetScheme()
	selfUsername := cfg.SelfUsername()
	webhook.NewPodDeletionHandler(o.drainer, scheme, o.collector,
		cfg.FailurePolicy, selfUsername, o.log).SetupWithManager(o.manager)
	webhook.NewPodEvictionHandler(o.manager.GetClient(), o.drainer, scheme, o.collector,
		cfg.FailurePolicy, selfUsername, o.log).SetupWithManager(o.manager)

	o.healthChecker = server.NewHealthChecker(o.kubeClient, o.pdbCache.HasSynced)
	metricsServer := server.NewMetricsServer(o.collector)
	httpServer := server.NewHTTPServer(cfg.MetricsAddr, o.healthChecker, metricsServer, o.log)

	if err := o.manager.Add(o.pdbCache); err != nil {
		return fmt.Errorf("failed to add PDB cache: %w", err)
	}
	if err := o.manager.Add(o.drainer); err != nil {
		return fmt.Errorf("failed to add drainer: %w", err)
	}
	if err := o.manager.Add(httpServer); err != nil {
		return fmt.Errorf("failed to add HTTP server: %w", err)
	}
	if err := o.manager.Add(newShutdownGuard(o.healthChecker, o.log)); err != nil {
		return fmt.Errorf("failed to add shutdown guard: %w", err)
	}
	return nil
}

// Start runs the operator until the context is cancelled.
func (o *Operator) Start(ctx context.Context) error {
	if o.started {
		return fmt.Errorf("operator already started")
	}
	o.started = true

	o.log.Info("starting drainhold operator",
		"namespace", o.config.Namespace,
		"delete-after", o.config.DeleteAfter,
		"failure-policy", o.config.FailurePolicy,
		"leader-election", o.config.LeaderElection,
		"general-ingress", o.config.ExperimentalGeneralIngress,
	)
	return o.manager.Start(ctx)
}

// GetManager returns the underlying controller-runtime manager.
func (o *Operator) GetManager() ctrl.Manager {
	return o.manager
}

// GetHealthChecker returns the health checker.
func (o *Operator) GetHealthChecker() *server.HealthChecker {
	return o.healthChecker
}
