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

// Package apis defines the drain-state data model. The state of a draining
// pod is stored on the Pod object itself as a label and a set of
// annotations; this package is the single place that knows how to read and
// write them.
package apis

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
)

const (
	// Prefix shared by every key the controller owns.
	Prefix = "drainhold"

	// DrainingLabelKey marks a pod whose removal has been intercepted.
	// External tooling (load balancer controllers, operators) reads this
	// label to learn drain status; it is the only durable state the
	// controller keeps.
	DrainingLabelKey = Prefix + "/draining"

	// DrainTimestampAnnotationKey records when the first removal request
	// for the pod was intercepted, RFC3339.
	DrainTimestampAnnotationKey = Prefix + "/drain-timestamp"

	// OriginalLabelsAnnotationKey backs up the labels that were stripped
	// when the pod was isolated, as a JSON object.
	OriginalLabelsAnnotationKey = Prefix + "/original-labels"

	// ControllerAnnotationKey names the controller instance that owns the
	// drain of this pod.
	ControllerAnnotationKey = Prefix + "/controller"
)

// DrainPhase is the lifecycle phase of a pod under drain.
type DrainPhase string

const (
	// PhaseActive means the pod is not being drained. It is implicit: an
	// active pod carries no draining label at all.
	PhaseActive DrainPhase = ""

	// PhaseEvicting means an eviction was intercepted but is currently
	// blocked by a PodDisruptionBudget.
	PhaseEvicting DrainPhase = "evicting"

	// PhaseDraining means removal is authorized and the grace period is
	// running. The label value is "true" for compatibility with tooling
	// that only checks truthiness.
	PhaseDraining DrainPhase = "true"
)

// DrainState is the decoded drain record of a pod.
type DrainState struct {
	Phase       DrainPhase
	RequestedAt time.Time
}

// GetDrainState decodes the drain record carried by the pod. A pod with no
// draining label decodes to PhaseActive. An unknown label value or an
// unparseable timestamp is an error: some other actor wrote garbage under
// our key and the caller has to decide what to do about it.
func GetDrainState(pod *corev1.Pod) (DrainState, error) {
	value, ok := pod.Labels[DrainingLabelKey]
	if !ok {
		return DrainState{Phase: PhaseActive}, nil
	}

	phase := DrainPhase(value)
	if phase != PhaseEvicting && phase != PhaseDraining {
		return DrainState{}, errors.Errorf("unrecognized %s label value %q", DrainingLabelKey, value)
	}

	raw, ok := pod.Annotations[DrainTimestampAnnotationKey]
	if !ok {
		return DrainState{}, errors.Errorf("pod has %s label but no %s annotation", DrainingLabelKey, DrainTimestampAnnotationKey)
	}
	requestedAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return DrainState{}, errors.Wrapf(err, "annotation %s is not RFC3339", DrainTimestampAnnotationKey)
	}

	return DrainState{Phase: phase, RequestedAt: requestedAt.UTC()}, nil
}

// TrySetPhase writes the draining label, enforcing monotonic progress:
// Active -> Evicting -> Draining. Writing the current phase again is a
// no-op that reports success; moving Draining back to Evicting is refused.
func TrySetPhase(pod *corev1.Pod, phase DrainPhase) bool {
	current := DrainPhase(pod.Labels[DrainingLabelKey])
	if current == phase {
		return true
	}
	if current == PhaseDraining && phase == PhaseEvicting {
		return false
	}

	if pod.Labels == nil {
		pod.Labels = map[string]string{}
	}
	pod.Labels[DrainingLabelKey] = string(phase)
	return true
}

// TrySetDrainTimestamp records the intercept time. A valid existing
// timestamp is never rewritten so that duplicate admissions do not stretch
// the drain window; an invalid one is repaired.
func TrySetDrainTimestamp(pod *corev1.Pod, now time.Time) bool {
	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}
	if raw, ok := pod.Annotations[DrainTimestampAnnotationKey]; ok {
		if _, err := time.Parse(time.RFC3339, raw); err == nil {
			return false
		}
	}
	pod.Annotations[DrainTimestampAnnotationKey] = now.UTC().Format(time.RFC3339)
	return true
}

// SetDrainTimestamp rewrites the intercept time unconditionally. The evicting
// to draining transition uses it: the pod kept serving traffic while its
// eviction was blocked, so the drain window restarts when the isolation
// actually happens.
func SetDrainTimestamp(pod *corev1.Pod, now time.Time) {
	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}
	pod.Annotations[DrainTimestampAnnotationKey] = now.UTC().Format(time.RFC3339)
}

// Remaining returns how much of the drain window is left at the given
// instant, zero when the window has elapsed.
func (s DrainState) Remaining(now time.Time, deleteAfter time.Duration) time.Duration {
	if s.Phase == PhaseActive {
		return 0
	}
	deadline := s.RequestedAt.Add(deleteAfter)
	remaining := deadline.Sub(now.UTC())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// BackupAndStripLabels moves every label except the draining label into the
// original-labels annotation. Stripping the labels takes the pod out of its
// Services' selectors, which is what actually starts load balancer
// deregistration.
func BackupAndStripLabels(pod *corev1.Pod) error {
	retained := map[string]string{}
	backup := map[string]string{}
	for key, value := range pod.Labels {
		if key == DrainingLabelKey {
			retained[key] = value
			continue
		}
		backup[key] = value
	}
	if len(backup) == 0 {
		return nil
	}

	encoded, err := json.Marshal(backup)
	if err != nil {
		return errors.Wrap(err, "unable to serialize original labels")
	}

	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}
	if _, exists := pod.Annotations[OriginalLabelsAnnotationKey]; !exists {
		pod.Annotations[OriginalLabelsAnnotationKey] = string(encoded)
	}
	pod.Labels = retained
	return nil
}

// DetachControllerOwner clears the controller flag on the pod's owner
// references so the owning workload controller does not replace or garbage
// collect the pod while it drains.
func DetachControllerOwner(pod *corev1.Pod) {
	for i := range pod.OwnerReferences {
		pod.OwnerReferences[i].Controller = nil
	}
}

// IsPodReady reports whether the pod's Ready condition and every readiness
// gate condition are true. Pods that are not ready receive no traffic, so
// they are never worth delaying.
func IsPodReady(pod *corev1.Pod) bool {
	conditions := map[corev1.PodConditionType]corev1.ConditionStatus{}
	for _, condition := range pod.Status.Conditions {
		conditions[condition.Type] = condition.Status
	}

	if conditions[corev1.PodReady] != corev1.ConditionTrue {
		return false
	}
	for _, gate := range pod.Spec.ReadinessGates {
		if conditions[gate.ConditionType] != corev1.ConditionTrue {
			return false
		}
	}
	return true
}
