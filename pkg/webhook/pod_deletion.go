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
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/ahoma/drainhold/internal/config"
	"github.com/ahoma/drainhold/pkg/core"
	"github.com/ahoma/drainhold/pkg/metrics"
)

// PodDeletionHandler intercepts DELETE requests for pods. A pod that backs
// an Ingress-routed Service has its deletion denied while the drainer
// removes it from the load balancer and performs the real deletion itself.
type PodDeletionHandler struct {
	drainer       *core.Drainer
	decoder       admission.Decoder
	collector     *metrics.Collector
	failurePolicy config.FailurePolicy
	selfUsername  string
	log           logr.Logger
}

var _ admission.Handler = &PodDeletionHandler{}

// NewPodDeletionHandler creates the deletion intercept handler.
func NewPodDeletionHandler(drainer *core.Drainer, scheme *runtime.Scheme, collector *metrics.Collector,
	failurePolicy config.FailurePolicy, selfUsername string, log logr.Logger) *PodDeletionHandler {
	return &PodDeletionHandler{
		drainer:       drainer,
		decoder:       admission.NewDecoder(scheme),
		collector:     collector,
		failurePolicy: failurePolicy,
		selfUsername:  selfUsername,
		log:           log.WithName("pod-deletion-webhook"),
	}
}

func (h *PodDeletionHandler) Handle(ctx context.Context, req admission.Request) admission.Response {
	if req.Operation != admissionv1.Delete {
		return admission.Allowed("")
	}
	if req.DryRun != nil && *req.DryRun {
		return admission.Allowed("dry-run")
	}
	if IsSelfRequest(req, h.selfUsername) {
		return admission.Allowed("removal issued by the drain controller itself")
	}

	pod := &corev1.Pod{}
	if err := h.decoder.DecodeRaw(req.OldObject, pod); err != nil {
		h.collector.RecordIntercept(metrics.OperationDelete, metrics.DecisionErrored)
		return admission.Errored(http.StatusBadRequest, err)
	}

	log := h.log.WithValues("pod", types.NamespacedName{Namespace: pod.Namespace, Name: pod.Name})

	decision, err := h.drainer.HandleDeletion(ctx, pod)
	if err != nil {
		h.collector.RecordIntercept(metrics.OperationDelete, metrics.DecisionErrored)
		log.Error(err, "errored while intercepting pod deletion")
		if h.failurePolicy == config.FailurePolicyIgnore {
			return admission.Allowed("error ignored while intercepting pod deletion")
		}
		return admission.Errored(http.StatusInternalServerError, err)
	}

	if decision.Delay {
		h.collector.RecordIntercept(metrics.OperationDelete, metrics.DecisionDenied)
		log.Info("pod deletion delayed", "reason", decision.Reason)
		return admission.Denied("Pod cannot be removed immediately. It is drained from the load balancer first and will be removed by the drain controller.")
	}

	h.collector.RecordIntercept(metrics.OperationDelete, metrics.DecisionAllowed)
	return admission.Allowed(decision.Reason)
}

// +kubebuilder:webhook:admissionReviewVersions=v1,webhookVersions=v1,verbs=delete,path=/intercept-pod-deletion,mutating=false,failurePolicy=ignore,sideEffects=noneOnDryRun,groups=core,resources=pods,versions=v1,name=deletion.drainhold.io

// SetupWithManager registers the handler on the manager's webhook server.
func (h *PodDeletionHandler) SetupWithManager(mgr ctrl.Manager) {
	mgr.GetWebhookServer().Register("/intercept-pod-deletion", &admission.Webhook{Handler: h})
}
