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

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	testingclock "k8s.io/utils/clock/testing"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/ahoma/drainhold/pkg/apis"
	"github.com/ahoma/drainhold/pkg/metrics"
)

var _ = Describe("Drainer", func() {
	const (
		deleteAfter        = 20 * time.Second
		evictRetryInterval = 5 * time.Second
		evictRetryCeiling  = time.Minute
	)

	var (
		ctx       context.Context
		k8sClient client.Client
		fakeClock *testingclock.FakeClock
		delayer   *Delayer
		remover   *stubRemover
		resolver  *stubResolver
		guard     *stubGuard
		recorder  *record.FakeRecorder
		collector *metrics.Collector
		drainer   *Drainer
		pod       *corev1.Pod
	)

	newDrainer := func(objects ...client.Object) {
		k8sClient = fake.NewClientBuilder().WithScheme(newTestScheme()).WithObjects(objects...).Build()
		fakeClock = testingclock.NewFakeClock(time.Now())
		delayer = NewDelayer(logr.Discard(), fakeClock)
		remover = newStubRemover()
		resolver = &stubResolver{members: map[types.UID]bool{"uid-1": true}}
		guard = &stubGuard{allowed: true}
		recorder = record.NewFakeRecorder(16)
		collector = metrics.NewCollector()

		store := NewStore(k8sClient, "system:serviceaccount:kube-system:drainhold", logr.Discard())
		drainer = NewDrainer(k8sClient, store, delayer, remover, resolver, guard,
			recorder, collector, fakeClock, logr.Discard(),
			deleteAfter, evictRetryInterval, evictRetryCeiling)
	}

	BeforeEach(func() {
		ctx = context.Background()
		pod = newReadyPod("default", "web-1", "uid-1", map[string]string{"app": "web"})
		newDrainer(pod.DeepCopy())
		pod = getPod(k8sClient, "default", "web-1")
	})

	// step advances the fake clock once the running task has re-armed its
	// timer.
	step := func(d time.Duration) {
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(d)
	}

	Describe("HandleDeletion", func() {
		It("passes through a pod that is already terminating", func() {
			pod.DeletionTimestamp = &metav1.Time{Time: time.Now()}

			decision, err := drainer.HandleDeletion(ctx, pod)
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Delay).To(BeFalse())
		})

		It("passes through a pod that is not ready", func() {
			pod.Status.Conditions = nil

			decision, err := drainer.HandleDeletion(ctx, pod)
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Delay).To(BeFalse())
			Expect(decision.Reason).To(Equal("pod is not ready"))
			Expect(delayer.Len()).To(BeZero())
		})

		It("passes through a pod that backs no ingress", func() {
			resolver.members = nil

			decision, err := drainer.HandleDeletion(ctx, pod)
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Delay).To(BeFalse())
			Expect(decision.Reason).To(Equal("pod does not back any ingress"))
		})

		It("surfaces membership resolution errors", func() {
			resolver.err = context.DeadlineExceeded

			_, err := drainer.HandleDeletion(ctx, pod)
			Expect(err).To(HaveOccurred())
		})

		It("isolates a load balancer member and holds the request", func() {
			decision, err := drainer.HandleDeletion(ctx, pod)
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Delay).To(BeTrue())

			stored := getPod(k8sClient, "default", "web-1")
			Expect(drainStateOf(stored).Phase).To(Equal(apis.PhaseDraining))
			Expect(stored.Labels).NotTo(HaveKey("app"))
			Expect(stored.Annotations).To(HaveKey(apis.OriginalLabelsAnnotationKey))
			Expect(delayer.Has("uid-1")).To(BeTrue())
			Expect(recorder.Events).To(Receive(ContainSubstring("InterceptDeletion")))
		})

		It("starts a single task for duplicate requests", func() {
			decision, err := drainer.HandleDeletion(ctx, pod)
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Delay).To(BeTrue())

			again := getPod(k8sClient, "default", "web-1")
			decision, err = drainer.HandleDeletion(ctx, again)
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Delay).To(BeTrue())
			Expect(delayer.Len()).To(Equal(1))
		})

		It("passes through once the drain window has elapsed", func() {
			_, err := drainer.HandleDeletion(ctx, pod)
			Expect(err).NotTo(HaveOccurred())

			fakeClock.SetTime(fakeClock.Now().Add(deleteAfter + time.Second))

			stale := getPod(k8sClient, "default", "web-1")
			decision, err := drainer.HandleDeletion(ctx, stale)
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Delay).To(BeFalse())
			Expect(decision.Reason).To(Equal("drain window has elapsed"))
		})

		It("keeps holding deletions of a pod parked in the evicting phase", func() {
			guard.allowed = false
			_, err := drainer.HandleEviction(ctx, pod)
			Expect(err).NotTo(HaveOccurred())

			// The budget stays exhausted past the drain window length. The
			// pod still carries its labels and serves traffic, so a DELETE
			// must not slip through on the elapsed-window fast path.
			fakeClock.SetTime(fakeClock.Now().Add(deleteAfter + time.Second))

			stale := getPod(k8sClient, "default", "web-1")
			decision, err := drainer.HandleDeletion(ctx, stale)
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Delay).To(BeTrue())
			Expect(stale.Labels).To(HaveKeyWithValue("app", "web"))
			Expect(delayer.Len()).To(Equal(1))
		})

		It("finalizes the pod when the grace period ends", func() {
			_, err := drainer.HandleDeletion(ctx, pod)
			Expect(err).NotTo(HaveOccurred())

			step(deleteAfter)

			finalized, ok := remover.waitForFinalization(time.Second)
			Expect(ok).To(BeTrue())
			Expect(finalized.uid).To(Equal(types.UID("uid-1")))
			Expect(finalized.origin).To(Equal(OriginDelete))
		})
	})

	Describe("HandleEviction", func() {
		It("drains immediately when the disruption budget has room", func() {
			decision, err := drainer.HandleEviction(ctx, pod)
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Delay).To(BeTrue())

			stored := getPod(k8sClient, "default", "web-1")
			Expect(drainStateOf(stored).Phase).To(Equal(apis.PhaseDraining))
			Expect(stored.Labels).NotTo(HaveKey("app"))

			step(deleteAfter)

			finalized, ok := remover.waitForFinalization(time.Second)
			Expect(ok).To(BeTrue())
			Expect(finalized.origin).To(Equal(OriginEviction))
		})

		It("parks the pod in the evicting phase when the budget is exhausted", func() {
			guard.allowed = false

			decision, err := drainer.HandleEviction(ctx, pod)
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Delay).To(BeTrue())
			Expect(decision.Reason).To(Equal("eviction blocked by disruption budget"))

			stored := getPod(k8sClient, "default", "web-1")
			Expect(drainStateOf(stored).Phase).To(Equal(apis.PhaseEvicting))
			// An evicting pod stays in its budget's scope.
			Expect(stored.Labels).To(HaveKeyWithValue("app", "web"))
			Expect(delayer.Has("uid-1")).To(BeTrue())
		})

		It("advances an evicting pod once a disruption slot opens", func() {
			guard.allowed = false
			_, err := drainer.HandleEviction(ctx, pod)
			Expect(err).NotTo(HaveOccurred())

			// First poll: still blocked.
			step(evictRetryInterval)

			guard.allowed = true
			step(evictRetryInterval)

			Eventually(func() apis.DrainPhase {
				return drainStateOf(getPod(k8sClient, "default", "web-1")).Phase
			}).Should(Equal(apis.PhaseDraining))

			stored := getPod(k8sClient, "default", "web-1")
			Expect(stored.Labels).NotTo(HaveKey("app"))

			step(deleteAfter)

			finalized, ok := remover.waitForFinalization(time.Second)
			Expect(ok).To(BeTrue())
			Expect(finalized.origin).To(Equal(OriginEviction))
		})

		It("runs a full drain window when the budget relaxes after the window length", func() {
			guard.allowed = false
			_, err := drainer.HandleEviction(ctx, pod)
			Expect(err).NotTo(HaveOccurred())

			// The budget stays exhausted longer than the drain window, then
			// opens. Deregistration only starts at the transition, so the
			// window must restart rather than count from the intercept.
			guard.allowed = true
			Eventually(fakeClock.HasWaiters).Should(BeTrue())
			fakeClock.SetTime(fakeClock.Now().Add(deleteAfter + 10*time.Second))

			Eventually(func() apis.DrainPhase {
				return drainStateOf(getPod(k8sClient, "default", "web-1")).Phase
			}).Should(Equal(apis.PhaseDraining))

			state := drainStateOf(getPod(k8sClient, "default", "web-1"))
			Expect(state.Remaining(fakeClock.Now(), deleteAfter)).To(BeNumerically(">", 0))

			_, finalizedEarly := remover.waitForFinalization(100 * time.Millisecond)
			Expect(finalizedEarly).To(BeFalse())

			step(deleteAfter)

			finalized, ok := remover.waitForFinalization(time.Second)
			Expect(ok).To(BeTrue())
			Expect(finalized.origin).To(Equal(OriginEviction))
		})

		It("keeps polling while the authoritative probe still rejects", func() {
			guard.allowed = false
			_, err := drainer.HandleEviction(ctx, pod)
			Expect(err).NotTo(HaveOccurred())

			guard.allowed = true
			remover.canEvict = false

			step(evictRetryInterval)

			Consistently(func() apis.DrainPhase {
				return drainStateOf(getPod(k8sClient, "default", "web-1")).Phase
			}, 100*time.Millisecond).Should(Equal(apis.PhaseEvicting))
		})

		It("forces the transition past the retry ceiling", func() {
			guard.allowed = false
			_, err := drainer.HandleEviction(ctx, pod)
			Expect(err).NotTo(HaveOccurred())

			fakeClock.SetTime(fakeClock.Now().Add(evictRetryCeiling + time.Second))
			step(evictRetryInterval)

			Eventually(func() apis.DrainPhase {
				return drainStateOf(getPod(k8sClient, "default", "web-1")).Phase
			}).Should(Equal(apis.PhaseDraining))
			Eventually(recorder.Events).Should(Receive(ContainSubstring("ForceDrain")))
		})

		It("retires the task and its accounting when the pod disappears mid-wait", func() {
			guard.allowed = false
			_, err := drainer.HandleEviction(ctx, pod)
			Expect(err).NotTo(HaveOccurred())
			Expect(activeDrainCount(collector)).To(Equal(1.0))

			stored := getPod(k8sClient, "default", "web-1")
			Expect(k8sClient.Delete(ctx, stored)).To(Succeed())

			step(evictRetryInterval)

			Eventually(func() bool { return delayer.Has("uid-1") }).Should(BeFalse())
			Eventually(func() float64 { return activeDrainCount(collector) }).Should(BeZero())
		})

		It("retires the accounting of a pod whose record was overwritten with garbage", func() {
			guard.allowed = false
			_, err := drainer.HandleEviction(ctx, pod)
			Expect(err).NotTo(HaveOccurred())

			broken := getPod(k8sClient, "default", "web-1")
			broken.Labels[apis.DrainingLabelKey] = "maybe"
			Expect(k8sClient.Update(ctx, broken)).To(Succeed())

			step(evictRetryInterval)

			Eventually(func() bool { return delayer.Has("uid-1") }).Should(BeFalse())
			Eventually(func() float64 { return activeDrainCount(collector) }).Should(BeZero())
		})
	})

	Describe("startDraining", func() {
		It("times the window from now when the drain record is unreadable", func() {
			broken := newReadyPod("default", "web-9", "uid-9", map[string]string{
				apis.DrainingLabelKey: "maybe",
			})

			drainer.startDraining(broken, deleteAfter, OriginDelete)
			Expect(delayer.Has("uid-9")).To(BeTrue())

			step(deleteAfter)

			finalized, ok := remover.waitForFinalization(time.Second)
			Expect(ok).To(BeTrue())
			Expect(finalized.uid).To(Equal(types.UID("uid-9")))
		})
	})

	Describe("Resume", func() {
		It("restarts tasks for pods that were mid-drain", func() {
			draining := newReadyPod("default", "web-2", "uid-2", nil)
			draining.Labels = map[string]string{apis.DrainingLabelKey: string(apis.PhaseDraining)}
			draining.Annotations = map[string]string{
				apis.DrainTimestampAnnotationKey: time.Now().UTC().Format(time.RFC3339),
			}

			evicting := newReadyPod("default", "web-3", "uid-3", nil)
			evicting.Labels = map[string]string{
				"app":                 "web",
				apis.DrainingLabelKey: string(apis.PhaseEvicting),
			}
			evicting.Annotations = map[string]string{
				apis.DrainTimestampAnnotationKey: time.Now().UTC().Format(time.RFC3339),
			}

			newDrainer(draining, evicting)

			Expect(drainer.Resume(ctx)).To(Succeed())
			Expect(delayer.Len()).To(Equal(2))
		})

		It("finishes a pod whose window elapsed while the controller was down", func() {
			expired := newReadyPod("default", "web-4", "uid-4", nil)
			expired.Labels = map[string]string{apis.DrainingLabelKey: string(apis.PhaseDraining)}
			expired.Annotations = map[string]string{
				apis.DrainTimestampAnnotationKey: time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
			}

			newDrainer(expired)

			Expect(drainer.Resume(ctx)).To(Succeed())

			finalized, ok := remover.waitForFinalization(time.Second)
			Expect(ok).To(BeTrue())
			Expect(finalized.uid).To(Equal(types.UID("uid-4")))
		})

		It("skips pods with a malformed drain record", func() {
			garbage := newReadyPod("default", "web-5", "uid-5", nil)
			garbage.Labels = map[string]string{apis.DrainingLabelKey: "maybe"}

			newDrainer(garbage)

			Expect(drainer.Resume(ctx)).To(Succeed())
			Expect(delayer.Len()).To(BeZero())
		})
	})
})
