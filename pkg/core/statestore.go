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

// Package core implements the drain state machine: the state store writing
// drain records onto pods, the delay scheduler, the deletion executor, and
// the drainer that ties them together.
package core

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/ahoma/drainhold/pkg/apis"
)

// Store mutates drain records on live Pod objects. The pod is the database:
// every write is an optimistic-concurrency patch, retried after a re-fetch
// on conflict. A UID change during re-fetch means the pod was replaced and
// surfaces as NotFound.
type Store struct {
	client       client.Client
	controllerID string
	log          logr.Logger
}

// NewStore creates a store. controllerID identifies this controller instance
// in the ownership annotation.
func NewStore(c client.Client, controllerID string, log logr.Logger) *Store {
	return &Store{
		client:       c,
		controllerID: controllerID,
		log:          log.WithName("state-store"),
	}
}

// Isolate writes the initial drain record in the given phase: the draining
// label, the drain timestamp, and the ownership annotation. For the draining
// phase it also backs up and strips the pod's labels and detaches the
// controller owner reference; the strip takes the pod out of its Services'
// selectors, which is what starts load balancer deregistration. Idempotent:
// a pod already at (or past) the phase is left untouched.
func (s *Store) Isolate(ctx context.Context, pod *corev1.Pod, phase apis.DrainPhase, now time.Time) error {
	log := s.log.WithValues("pod", client.ObjectKeyFromObject(pod), "phase", phase)

	desired := func(pod *corev1.Pod) bool {
		state, err := apis.GetDrainState(pod)
		if err != nil {
			return false
		}
		if state.Phase == apis.PhaseActive {
			return false
		}
		// Evicting satisfies a Draining request only the other way around.
		return phase == apis.PhaseEvicting || state.Phase == apis.PhaseDraining
	}
	mutate := func(pod *corev1.Pod) error {
		if !apis.TrySetPhase(pod, phase) {
			return nil
		}
		apis.TrySetDrainTimestamp(pod, now)
		if pod.Annotations == nil {
			pod.Annotations = map[string]string{}
		}
		pod.Annotations[apis.ControllerAnnotationKey] = s.controllerID
		if phase != apis.PhaseDraining {
			// An evicting pod keeps its labels: it must stay in its
			// disruption budget's scope until a slot opens.
			return nil
		}
		if err := apis.BackupAndStripLabels(pod); err != nil {
			return err
		}
		apis.DetachControllerOwner(pod)
		return nil
	}

	if err := s.patchPod(ctx, pod, desired, mutate); err != nil {
		return err
	}
	log.Info("pod isolated")
	return nil
}

// Advance moves an evicting pod to the draining phase and restarts the drain
// window: the timestamp is rewritten to the transition time because the pod
// stayed in Service endpoints the whole time its eviction was blocked.
// Advancing a pod that already drains is a no-op.
func (s *Store) Advance(ctx context.Context, pod *corev1.Pod, now time.Time) error {
	desired := func(pod *corev1.Pod) bool {
		state, err := apis.GetDrainState(pod)
		return err == nil && state.Phase == apis.PhaseDraining
	}
	mutate := func(pod *corev1.Pod) error {
		apis.TrySetPhase(pod, apis.PhaseDraining)
		apis.SetDrainTimestamp(pod, now)
		if err := apis.BackupAndStripLabels(pod); err != nil {
			return err
		}
		apis.DetachControllerOwner(pod)
		return nil
	}

	if err := s.patchPod(ctx, pod, desired, mutate); err != nil {
		return err
	}
	s.log.Info("pod advanced to draining", "pod", client.ObjectKeyFromObject(pod))
	return nil
}

// patchPod drives pod toward the desired condition with optimistic-lock
// merge patches. Conflicts re-fetch and retry; a desired pod returns
// immediately without a write.
func (s *Store) patchPod(ctx context.Context, pod *corev1.Pod, desired func(*corev1.Pod) bool, mutate func(*corev1.Pod) error) error {
	needReload := len(pod.ResourceVersion) == 0

	for {
		if needReload {
			if err := s.reloadPod(ctx, pod); err != nil {
				return err
			}
		}
		needReload = true

		if desired(pod) {
			return nil
		}

		base := pod.DeepCopy()
		// Keep the UID out of the base so it lands in the patch body as a
		// precondition.
		base.UID = ""

		if err := mutate(pod); err != nil {
			return errors.Wrap(err, "mutating drain record")
		}

		err := s.client.Patch(ctx, pod, client.MergeFromWithOptions(base, client.MergeFromWithOptimisticLock{}))
		if err == nil {
			return nil
		}
		if apierrors.IsConflict(err) {
			s.log.V(1).Info("conflict while patching drain record, retrying", "pod", client.ObjectKeyFromObject(pod))
			continue
		}
		return errors.Wrap(err, "patching drain record")
	}
}

// reloadPod refreshes pod in place. A UID mismatch means the name now
// belongs to a different pod; reported as NotFound so callers treat the
// original pod as gone.
func (s *Store) reloadPod(ctx context.Context, pod *corev1.Pod) error {
	uid := pod.UID
	key := types.NamespacedName{Namespace: pod.Namespace, Name: pod.Name}

	var fresh corev1.Pod
	if err := s.client.Get(ctx, key, &fresh); err != nil {
		return err
	}
	if uid != "" && fresh.UID != uid {
		return apierrors.NewNotFound(corev1.Resource(string(corev1.ResourcePods)), pod.Name)
	}

	*pod = fresh
	return nil
}
