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

package webhook

import (
	"context"
	"net/http"

	"github.com/go-logr/logr"
	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/ahoma/drainhold/internal/config"
	"github.com/ahoma/drainhold/pkg/core"
	"github.com/ahoma/drainhold/pkg/metrics"
)

// PodEvictionHandler intercepts CREATE requests on the pods/eviction
// subresource. Evictions of load balancer members are denied while the
// drainer pursues an authorized removal; node-drain clients retry denied
// evictions, so progress is preserved.
type PodEvictionHandler struct {
	client        client.Client
	drainer       *core.Drainer
	decoder       admission.Decoder
	collector     *metrics.Collector
	failurePolicy config.FailurePolicy
	selfUsername  string
	log           logr.Logger
}

var _ admission.Handler = &PodEvictionHandler{}

// NewPodEvictionHandler creates the eviction intercept handler.
func NewPodEvictionHandler(c client.Client, drainer *core.Drainer, scheme *runtime.Scheme,
	collector *metrics.Collector, failurePolicy config.FailurePolicy, selfUsername string,
	log logr.Logger) *PodEvictionHandler {
	return &PodEvictionHandler{
		client:        c,
		drainer:       drainer,
		decoder:       admission.NewDecoder(scheme),
		collector:     collector,
		failurePolicy: failurePolicy,
		selfUsername:  selfUsername,
		log:           log.WithName("pod-eviction-webhook"),
	}
}

func (h *PodEvictionHandler) Handle(ctx context.Context, req admission.Request) admission.Response {
	if req.Operation != admissionv1.Create {
		return admission.Allowed("")
	}
	if req.DryRun != nil && *req.DryRun {
		return admission.Allowed("dry-run")
	}
	if IsSelfRequest(req, h.selfUsername) {
		return admission.Allowed("eviction issued by the drain controller itself")
	}

	eviction := &policyv1.Eviction{}
	if err := h.decoder.Decode(req, eviction); err != nil {
		h.collector.RecordIntercept(metrics.OperationEviction, metrics.DecisionErrored)
		return admission.Errored(http.StatusBadRequest, err)
	}
	if options := eviction.DeleteOptions; options != nil && len(options.DryRun) > 0 {
		return admission.Allowed("dry-run eviction")
	}

	key := types.NamespacedName{Namespace: req.Namespace, Name: req.Name}
	log := h.log.WithValues("eviction", key)

	pod := &corev1.Pod{}
	if err := h.client.Get(ctx, key, pod); err != nil {
		if apierrors.IsNotFound(err) {
			h.collector.RecordIntercept(metrics.OperationEviction, metrics.DecisionAllowed)
			return admission.Allowed("pod is already gone")
		}
		h.collector.RecordIntercept(metrics.OperationEviction, metrics.DecisionErrored)
		log.Error(err, "errored while fetching the pod under eviction")
		if h.failurePolicy == config.FailurePolicyIgnore {
			return admission.Allowed("error ignored while intercepting pod eviction")
		}
		return admission.Errored(http.StatusInternalServerError, err)
	}

	decision, err := h.drainer.HandleEviction(ctx, pod)
	if err != nil {
		h.collector.RecordIntercept(metrics.OperationEviction, metrics.DecisionErrored)
		log.Error(err, "errored while intercepting pod eviction")
		if h.failurePolicy == config.FailurePolicyIgnore {
			return admission.Allowed("error ignored while intercepting pod eviction")
		}
		return admission.Errored(http.StatusInternalServerError, err)
	}

	if decision.Delay {
		h.collector.RecordIntercept(metrics.OperationEviction, metrics.DecisionDenied)
		log.Info("pod eviction delayed", "reason", decision.Reason)
		return admission.Denied("Pod cannot be evicted immediately. It is drained from the load balancer first and will be removed by the drain controller.")
	}

	h.collector.RecordIntercept(metrics.OperationEviction, metrics.DecisionAllowed)
	return admission.Allowed(decision.Reason)
}

// +kubebuilder:webhook:admissionReviewVersions=v1,webhookVersions=v1,verbs=create,path=/intercept-pod-eviction,mutating=false,failurePolicy=ignore,sideEffects=noneOnDryRun,groups=core,resources=pods/eviction,versions=v1,name=eviction.drainhold.io

// SetupWithManager registers the handler on the manager's webhook server.
func (h *PodEvictionHandler) SetupWithManager(mgr ctrl.Manager) {
	mgr.GetWebhookServer().Register("/intercept-pod-eviction", &admission.Webhook{Handler: h})
}
