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
	"time"

	retry "github.com/avast/retry-go"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/ahoma/drainhold/pkg/metrics"
)

// RemovalOrigin records which kind of admission request started a drain. The
// executor finishes the drain with the same kind of call so that
// eviction-origin drains keep their PodDisruptionBudget accounting.
type RemovalOrigin string

const (
	OriginDelete   RemovalOrigin = "delete"
	OriginEviction RemovalOrigin = "eviction"
)

// Executor performs the real removal of a drained pod. Every call carries
// the pod's UID as a precondition, so finishing a pod that was already
// replaced is impossible; a pod that is already gone counts as success.
type Executor struct {
	client    client.Client
	clientset kubernetes.Interface
	metrics   *metrics.Collector
	log       logr.Logger
	clock     clock.Clock

	retryLimit         uint
	evictRetryInterval time.Duration
	evictRetryCeiling  time.Duration
}

// NewExecutor creates an executor. retryLimit bounds retries of transient
// API errors; the interval and ceiling govern the 429 loop of real
// evictions.
func NewExecutor(c client.Client, clientset kubernetes.Interface, collector *metrics.Collector,
	retryLimit uint, evictRetryInterval, evictRetryCeiling time.Duration,
	clk clock.Clock, log logr.Logger) *Executor {
	return &Executor{
		client:             c,
		clientset:          clientset,
		metrics:            collector,
		log:                log.WithName("executor"),
		clock:              clk,
		retryLimit:         retryLimit,
		evictRetryInterval: evictRetryInterval,
		evictRetryCeiling:  evictRetryCeiling,
	}
}

// CanEvict asks the API server whether evicting the pod would be admitted
// right now, using a dry-run Eviction. The server applies the authoritative
// PodDisruptionBudget check without removing anything. A pod that no longer
// exists reports true so the caller proceeds and discovers the absence.
func (e *Executor) CanEvict(ctx context.Context, pod *corev1.Pod) (bool, error) {
	eviction := e.eviction(pod, &metav1.DeleteOptions{DryRun: []string{metav1.DryRunAll}})

	err := e.clientset.CoreV1().Pods(pod.Namespace).EvictV1(ctx, eviction)
	switch {
	case err == nil:
		return true, nil
	case apierrors.IsTooManyRequests(err):
		return false, nil
	case apierrors.IsNotFound(err) || apierrors.IsGone(err):
		return true, nil
	default:
		return false, errors.Wrap(err, "dry-run eviction")
	}
}

// Finalize removes the pod. Delete-origin drains issue a DELETE; eviction-
// origin drains issue a real Eviction so the disruption budget is consumed,
// degrading to a DELETE if budget contention outlasts the retry ceiling.
// Exhausted retries surface as a stuck-pod condition, never silently.
func (e *Executor) Finalize(ctx context.Context, pod *corev1.Pod, origin RemovalOrigin) error {
	log := e.log.WithValues("pod", client.ObjectKeyFromObject(pod), "origin", origin)

	var err error
	switch origin {
	case OriginEviction:
		err = e.evict(ctx, pod, log)
	default:
		err = e.delete(ctx, pod)
	}

	if err != nil {
		e.metrics.RecordStuckPod()
		log.Error(err, "unable to remove drained pod")
		return err
	}
	log.Info("removed drained pod")
	return nil
}

// evict issues real Evictions until one is admitted. 429 means the budget
// is still contended; past the ceiling the pod is deleted directly.
func (e *Executor) evict(ctx context.Context, pod *corev1.Pod, log logr.Logger) error {
	deadline := e.clock.Now().Add(e.evictRetryCeiling)

	for {
		err := e.retryTransient(ctx, func() error {
			return e.clientset.CoreV1().Pods(pod.Namespace).EvictV1(ctx, e.eviction(pod, e.deleteOptions(pod)))
		})
		switch {
		case err == nil:
			return nil
		case apierrors.IsNotFound(err) || apierrors.IsGone(err):
			return nil
		case apierrors.IsTooManyRequests(err):
			e.metrics.RecordEvictionRetry()
			if e.clock.Now().After(deadline) {
				log.Info("disruption budget contention outlasted the retry ceiling, deleting directly")
				return e.delete(ctx, pod)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.clock.After(e.evictRetryInterval):
			}
		default:
			return err
		}
	}
}

func (e *Executor) delete(ctx context.Context, pod *corev1.Pod) error {
	return e.retryTransient(ctx, func() error {
		err := e.client.Delete(ctx, pod, client.Preconditions{UID: &pod.UID})
		if apierrors.IsNotFound(err) || apierrors.IsGone(err) || apierrors.IsConflict(err) {
			// Already gone, or the name belongs to a new pod now.
			return nil
		}
		return err
	})
}

// retryTransient retries fn on transient API errors with exponential
// backoff. Terminal API answers (404, 410, 409, 429) pass through
// immediately for the caller to interpret.
func (e *Executor) retryTransient(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(e.retryLimit),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if apierrors.IsNotFound(err) || apierrors.IsGone(err) || apierrors.IsConflict(err) ||
				apierrors.IsTooManyRequests(err) {
				return false
			}
			return true
		}),
	)
}

func (e *Executor) eviction(pod *corev1.Pod, options *metav1.DeleteOptions) *policyv1.Eviction {
	return &policyv1.Eviction{
		ObjectMeta:    metav1.ObjectMeta{Namespace: pod.Namespace, Name: pod.Name},
		DeleteOptions: options,
	}
}

func (e *Executor) deleteOptions(pod *corev1.Pod) *metav1.DeleteOptions {
	return &metav1.DeleteOptions{
		Preconditions: &metav1.Preconditions{UID: &pod.UID},
	}
}
