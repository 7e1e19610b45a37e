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

package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/tools/record"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/ahoma/drainhold/pkg/apis"
	"github.com/ahoma/drainhold/pkg/metrics"
)

// MembershipResolver answers whether a pod backs an Ingress-routed Service.
type MembershipResolver interface {
	IsMember(ctx context.Context, pod *corev1.Pod) (bool, error)
}

// DisruptionGuard is the best-effort PDB availability check served by the
// snapshot cache.
type DisruptionGuard interface {
	DisruptionAllowed(namespace string, podLabels map[string]string) bool
}

// Remover performs the authoritative eviction probe and the final removal.
type Remover interface {
	CanEvict(ctx context.Context, pod *corev1.Pod) (bool, error)
	Finalize(ctx context.Context, pod *corev1.Pod, origin RemovalOrigin) error
}

// Decision is the drainer's answer to an intercepted admission request.
type Decision struct {
	// Delay means the request must be held: the drainer now owns the pod's
	// removal. False means the request should pass through untouched.
	Delay  bool
	Reason string
}

// Drainer decides the fate of intercepted removal requests and runs the
// per-pod drain tasks to completion.
type Drainer struct {
	client   client.Client
	store    *Store
	delayer  *Delayer
	remover  Remover
	resolver MembershipResolver
	pdb      DisruptionGuard
	recorder record.EventRecorder
	metrics  *metrics.Collector
	clock    clock.Clock
	log      logr.Logger

	deleteAfter        time.Duration
	evictRetryInterval time.Duration
	evictRetryCeiling  time.Duration
}

// NewDrainer wires the drain state machine together.
func NewDrainer(c client.Client, store *Store, delayer *Delayer, remover Remover,
	resolver MembershipResolver, pdb DisruptionGuard, recorder record.EventRecorder,
	collector *metrics.Collector, clk clock.Clock, log logr.Logger,
	deleteAfter, evictRetryInterval, evictRetryCeiling time.Duration) *Drainer {
	return &Drainer{
		client:             c,
		store:              store,
		delayer:            delayer,
		remover:            remover,
		resolver:           resolver,
		pdb:                pdb,
		recorder:           recorder,
		metrics:            collector,
		clock:              clk,
		log:                log.WithName("drainer"),
		deleteAfter:        deleteAfter,
		evictRetryInterval: evictRetryInterval,
		evictRetryCeiling:  evictRetryCeiling,
	}
}

// HandleDeletion decides an intercepted DELETE of a pod. When the pod is a
// load balancer member and not yet draining, it isolates the pod, starts the
// grace-period task, and asks for the request to be held.
func (d *Drainer) HandleDeletion(ctx context.Context, pod *corev1.Pod) (Decision, error) {
	if pod.DeletionTimestamp != nil {
		return Decision{Reason: "pod is already terminating"}, nil
	}

	state, err := apis.GetDrainState(pod)
	if err != nil {
		return Decision{}, err
	}
	now := d.clock.Now()

	if state.Phase != apis.PhaseActive {
		// Only a draining pod can run out its window; an evicting pod still
		// carries its labels and serves traffic, so its deletion stays held.
		if state.Phase == apis.PhaseDraining && state.Remaining(now, d.deleteAfter) == 0 {
			return Decision{Reason: "drain window has elapsed"}, nil
		}
		d.ensureTask(pod, state, OriginDelete)
		return Decision{Delay: true, Reason: "pod is draining"}, nil
	}

	if !apis.IsPodReady(pod) {
		return Decision{Reason: "pod is not ready"}, nil
	}
	member, err := d.resolver.IsMember(ctx, pod)
	if err != nil {
		return Decision{}, err
	}
	if !member {
		return Decision{Reason: "pod does not back any ingress"}, nil
	}

	if err := d.store.Isolate(ctx, pod, apis.PhaseDraining, now); err != nil {
		if apierrors.IsNotFound(err) {
			return Decision{Reason: "pod is already gone"}, nil
		}
		return Decision{}, err
	}

	d.startDraining(pod, d.deleteAfter, OriginDelete)
	d.eventf(pod, corev1.EventTypeNormal, "InterceptDeletion",
		"Deletion intercepted; the pod is isolated and will be removed after %s", d.deleteAfter)
	return Decision{Delay: true, Reason: "pod backs an ingress and drains first"}, nil
}

// HandleEviction decides an intercepted Eviction of a pod. An eviction whose
// disruption budget is currently exhausted parks the pod in the evicting
// phase; the poll task advances it once a slot opens.
func (d *Drainer) HandleEviction(ctx context.Context, pod *corev1.Pod) (Decision, error) {
	if pod.DeletionTimestamp != nil {
		return Decision{Reason: "pod is already terminating"}, nil
	}

	state, err := apis.GetDrainState(pod)
	if err != nil {
		return Decision{}, err
	}
	now := d.clock.Now()

	if state.Phase != apis.PhaseActive {
		if state.Phase == apis.PhaseDraining && state.Remaining(now, d.deleteAfter) == 0 {
			return Decision{Reason: "drain window has elapsed"}, nil
		}
		d.ensureTask(pod, state, OriginEviction)
		return Decision{Delay: true, Reason: "pod is draining"}, nil
	}

	if !apis.IsPodReady(pod) {
		return Decision{Reason: "pod is not ready"}, nil
	}
	member, err := d.resolver.IsMember(ctx, pod)
	if err != nil {
		return Decision{}, err
	}
	if !member {
		return Decision{Reason: "pod does not back any ingress"}, nil
	}

	if d.pdb.DisruptionAllowed(pod.Namespace, pod.Labels) {
		if err := d.store.Isolate(ctx, pod, apis.PhaseDraining, now); err != nil {
			if apierrors.IsNotFound(err) {
				return Decision{Reason: "pod is already gone"}, nil
			}
			return Decision{}, err
		}
		d.startDraining(pod, d.deleteAfter, OriginEviction)
		d.eventf(pod, corev1.EventTypeNormal, "InterceptEviction",
			"Eviction intercepted; the pod is isolated and will be evicted after %s", d.deleteAfter)
		return Decision{Delay: true, Reason: "pod backs an ingress and drains first"}, nil
	}

	if err := d.store.Isolate(ctx, pod, apis.PhaseEvicting, now); err != nil {
		if apierrors.IsNotFound(err) {
			return Decision{Reason: "pod is already gone"}, nil
		}
		return Decision{}, err
	}
	d.startEvicting(pod)
	d.eventf(pod, corev1.EventTypeNormal, "InterceptEviction",
		"Eviction intercepted; waiting for the disruption budget to allow it")
	return Decision{Delay: true, Reason: "eviction blocked by disruption budget"}, nil
}

// Resume restarts drain tasks for pods that were mid-drain when the previous
// controller run stopped. Pods whose window already elapsed are finished
// immediately.
func (d *Drainer) Resume(ctx context.Context) error {
	var pods corev1.PodList
	if err := d.client.List(ctx, &pods, client.HasLabels{apis.DrainingLabelKey}); err != nil {
		return err
	}

	now := d.clock.Now()
	for i := range pods.Items {
		pod := &pods.Items[i]
		state, err := apis.GetDrainState(pod)
		if err != nil {
			d.log.Error(err, "skipping pod with a malformed drain record", "pod", client.ObjectKeyFromObject(pod))
			continue
		}

		switch state.Phase {
		case apis.PhaseDraining:
			d.log.Info("resuming drain", "pod", client.ObjectKeyFromObject(pod),
				"remaining", state.Remaining(now, d.deleteAfter))
			d.startDrainingWithDelay(pod, state.Remaining(now, d.deleteAfter), state.RequestedAt, OriginDelete)
		case apis.PhaseEvicting:
			d.log.Info("resuming eviction wait", "pod", client.ObjectKeyFromObject(pod))
			d.startEvicting(pod)
		}
	}
	return nil
}

// Start implements manager.Runnable: resume previous drains, then hold until
// shutdown and drain the task table.
func (d *Drainer) Start(ctx context.Context) error {
	if err := d.Resume(ctx); err != nil {
		d.log.Error(err, "unable to resume drains from the previous run")
	}

	<-ctx.Done()
	d.delayer.Stop(d.deleteAfter, 10*time.Second)
	return nil
}

func (d *Drainer) startDraining(pod *corev1.Pod, delay time.Duration, origin RemovalOrigin) {
	state, err := apis.GetDrainState(pod)
	if err != nil {
		d.log.Error(err, "drain record unreadable, timing the window from now",
			"pod", client.ObjectKeyFromObject(pod))
	}
	requestedAt := state.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = d.clock.Now()
	}
	d.startDrainingWithDelay(pod, delay, requestedAt, origin)
}

func (d *Drainer) startDrainingWithDelay(pod *corev1.Pod, delay time.Duration, requestedAt time.Time, origin RemovalOrigin) {
	snapshot := pod.DeepCopy()
	if d.delayer.Schedule(pod.UID, delay, d.finishTask(snapshot, requestedAt, origin)) {
		d.metrics.DrainStarted()
	}
}

func (d *Drainer) startEvicting(pod *corev1.Pod) {
	if d.delayer.Schedule(pod.UID, d.evictRetryInterval, d.evictionTask(pod.DeepCopy())) {
		d.metrics.DrainStarted()
	}
}

// ensureTask re-arms the task for a pod that already carries a drain record,
// typically after a duplicate admission or a webhook served by a restarted
// controller. A live task makes this a no-op.
func (d *Drainer) ensureTask(pod *corev1.Pod, state apis.DrainState, origin RemovalOrigin) {
	switch state.Phase {
	case apis.PhaseDraining:
		d.startDrainingWithDelay(pod, state.Remaining(d.clock.Now(), d.deleteAfter), state.RequestedAt, origin)
	case apis.PhaseEvicting:
		d.startEvicting(pod)
	}
}

// finishTask is the one-shot end of a drain: wait out the delay, then remove
// the pod.
func (d *Drainer) finishTask(pod *corev1.Pod, requestedAt time.Time, origin RemovalOrigin) TaskFunc {
	return func(ctx context.Context, interrupted bool) (time.Duration, error) {
		defer d.metrics.DrainFinished(d.clock.Now().Sub(requestedAt))
		if interrupted {
			// The record survives on the pod; the next run resumes it.
			return 0, nil
		}
		if err := d.remover.Finalize(ctx, pod, origin); err != nil {
			d.eventf(pod, corev1.EventTypeWarning, "DrainStuck",
				"Unable to remove the drained pod: %s", err)
			return 0, err
		}
		return 0, nil
	}
}

// evictionTask polls the disruption budget until a slot opens, then advances
// the pod to draining and morphs into a finish task running the full drain
// window from the transition. Past the retry ceiling the transition is forced;
// the real Eviction at the end still gives the apiserver the last word.
func (d *Drainer) evictionTask(pod *corev1.Pod) TaskFunc {
	deadline := d.clock.Now().Add(d.evictRetryCeiling)
	requestedAt := d.clock.Now()
	finishing := false

	tick := func(ctx context.Context) (time.Duration, error) {
		if finishing {
			if err := d.remover.Finalize(ctx, pod, OriginEviction); err != nil {
				d.eventf(pod, corev1.EventTypeWarning, "DrainStuck",
					"Unable to remove the drained pod: %s", err)
				return 0, err
			}
			return 0, nil
		}

		log := logr.FromContextOrDiscard(ctx)

		fresh, err := d.freshPod(ctx, pod)
		if err != nil {
			log.Error(err, "unable to refresh evicting pod, retrying")
			return d.evictRetryInterval, nil
		}
		if fresh == nil {
			return 0, nil
		}

		state, err := apis.GetDrainState(fresh)
		if err != nil {
			return 0, err
		}
		requestedAt = state.RequestedAt

		if state.Phase == apis.PhaseEvicting {
			now := d.clock.Now()
			forced := now.After(deadline)
			if !forced {
				if !d.pdb.DisruptionAllowed(fresh.Namespace, fresh.Labels) {
					return d.evictRetryInterval, nil
				}
				allowed, err := d.remover.CanEvict(ctx, fresh)
				if err != nil {
					log.Error(err, "eviction probe failed, retrying")
					return d.evictRetryInterval, nil
				}
				if !allowed {
					d.metrics.RecordEvictionRetry()
					return d.evictRetryInterval, nil
				}
			} else {
				d.metrics.RecordForcedTransition()
				d.eventf(fresh, corev1.EventTypeWarning, "ForceDrain",
					"Disruption budget stayed exhausted past %s; draining anyway", d.evictRetryCeiling)
			}

			if err := d.store.Advance(ctx, fresh, now); err != nil {
				if apierrors.IsNotFound(err) {
					return 0, nil
				}
				log.Error(err, "unable to advance evicting pod, retrying")
				return d.evictRetryInterval, nil
			}
			// The pod stayed registered the whole time the budget blocked
			// it; deregistration starts only now, so the full window runs
			// from the rewritten timestamp.
			finishing = true
			return d.deleteAfter, nil
		}

		// Advanced by another actor; honor the remaining window it set.
		finishing = true
		remaining := state.Remaining(d.clock.Now(), d.deleteAfter)
		if remaining == 0 {
			return time.Nanosecond, nil
		}
		return remaining, nil
	}

	return func(ctx context.Context, interrupted bool) (time.Duration, error) {
		if interrupted {
			d.metrics.DrainFinished(d.clock.Now().Sub(requestedAt))
			return 0, nil
		}
		next, err := tick(ctx)
		if err != nil || next <= 0 {
			// The task retires on any of these paths; the active-drain gauge
			// must come down with it.
			d.metrics.DrainFinished(d.clock.Now().Sub(requestedAt))
		}
		return next, err
	}
}

// freshPod re-fetches the pod; nil means it is gone or its name was reused.
func (d *Drainer) freshPod(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	var fresh corev1.Pod
	if err := d.client.Get(ctx, client.ObjectKeyFromObject(pod), &fresh); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if fresh.UID != pod.UID {
		return nil, nil
	}
	return &fresh, nil
}

func (d *Drainer) eventf(pod *corev1.Pod, eventType, reason, messageFmt string, args ...interface{}) {
	if d.recorder == nil {
		return
	}
	d.recorder.Event(pod, eventType, reason, fmt.Sprintf(messageFmt, args...))
}
