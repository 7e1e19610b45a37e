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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/ahoma/drainhold/internal/config"
	"github.com/ahoma/drainhold/pkg/apis"
)

var _ = Describe("PodDeletionHandler", func() {
	var (
		ctx     context.Context
		harness *testHarness
		handler *PodDeletionHandler
		pod     *corev1.Pod
	)

	newHandler := func(failurePolicy config.FailurePolicy) {
		handler = NewPodDeletionHandler(harness.drainer, newTestScheme(), harness.collector,
			failurePolicy, selfUsername, logr.Discard())
	}

	BeforeEach(func() {
		ctx = context.Background()
		pod = newBackingPod("default", "web-1", "uid-1")
		harness = newHarness(pod.DeepCopy())
		newHandler(config.FailurePolicyIgnore)
	})

	It("ignores operations other than DELETE", func() {
		req := deletionRequest(pod, "kubelet")
		req.Operation = admissionv1.Update

		resp := handler.Handle(ctx, admission.Request{AdmissionRequest: req})
		Expect(resp.Allowed).To(BeTrue())
	})

	It("allows dry-run requests without touching the pod", func() {
		req := deletionRequest(pod, "kubelet")
		req.DryRun = ptr.To(true)

		resp := handler.Handle(ctx, admission.Request{AdmissionRequest: req})
		Expect(resp.Allowed).To(BeTrue())

		stored := harness.storedPod("default", "web-1")
		Expect(stored.Labels).NotTo(HaveKey(apis.DrainingLabelKey))
	})

	It("allows deletions issued by the controller itself", func() {
		req := deletionRequest(pod, selfUsername)

		resp := handler.Handle(ctx, admission.Request{AdmissionRequest: req})
		Expect(resp.Allowed).To(BeTrue())

		stored := harness.storedPod("default", "web-1")
		Expect(stored.Labels).NotTo(HaveKey(apis.DrainingLabelKey))
	})

	It("rejects an undecodable request payload", func() {
		req := deletionRequest(pod, "kubelet")
		req.OldObject = runtime.RawExtension{Raw: []byte("not json")}

		resp := handler.Handle(ctx, admission.Request{AdmissionRequest: req})
		Expect(resp.Allowed).To(BeFalse())
		Expect(resp.Result.Code).To(Equal(int32(http.StatusBadRequest)))
	})

	It("denies the deletion of a load balancer member and isolates it", func() {
		resp := handler.Handle(ctx, admission.Request{AdmissionRequest: deletionRequest(pod, "kubelet")})
		Expect(resp.Allowed).To(BeFalse())
		Expect(resp.Result.Message).To(ContainSubstring("drained from the load balancer"))

		stored := harness.storedPod("default", "web-1")
		Expect(stored.Labels).To(HaveKeyWithValue(apis.DrainingLabelKey, string(apis.PhaseDraining)))
		Expect(stored.Labels).NotTo(HaveKey("app"))
		Expect(harness.delayer.Has("uid-1")).To(BeTrue())
	})

	It("allows the deletion of a pod that backs no ingress", func() {
		harness.resolver.member = false

		resp := handler.Handle(ctx, admission.Request{AdmissionRequest: deletionRequest(pod, "kubelet")})
		Expect(resp.Allowed).To(BeTrue())

		stored := harness.storedPod("default", "web-1")
		Expect(stored.Labels).NotTo(HaveKey(apis.DrainingLabelKey))
	})

	Describe("internal errors", func() {
		BeforeEach(func() {
			harness.resolver.err = context.DeadlineExceeded
		})

		It("fails open under the ignore policy", func() {
			resp := handler.Handle(ctx, admission.Request{AdmissionRequest: deletionRequest(pod, "kubelet")})
			Expect(resp.Allowed).To(BeTrue())
		})

		It("fails closed under the fail policy", func() {
			newHandler(config.FailurePolicyFail)

			resp := handler.Handle(ctx, admission.Request{AdmissionRequest: deletionRequest(pod, "kubelet")})
			Expect(resp.Allowed).To(BeFalse())
			Expect(resp.Result.Code).To(Equal(int32(http.StatusInternalServerError)))
		})
	})
})
