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

package server

import (
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/client-go/kubernetes/fake"
)

var _ = Describe("HealthChecker", func() {
	var (
		fakeClient *fake.Clientset
		synced     bool
		checker    *HealthChecker
		engine     *gin.Engine
	)

	BeforeEach(func() {
		fakeClient = fake.NewSimpleClientset()
		synced = true

		checker = NewHealthChecker(fakeClient, func() bool { return synced })

		engine = gin.New()
		engine.GET("/healthz", checker.HealthzHandler)
		engine.GET("/readyz", checker.ReadyzHandler)
	})

	Describe("HealthzHandler", func() {
		It("should return 200 when the API server is reachable", func() {
			response := performRequest(engine, http.MethodGet, "/healthz")
			Expect(response.Code).To(Equal(http.StatusOK))

			var result map[string]interface{}
			Expect(parseJSONResponse(response, &result)).To(Succeed())
			Expect(result["status"]).To(Equal("healthy"))
		})

		It("should return 503 when no client is configured", func() {
			broken := NewHealthChecker(nil, nil)
			engine := gin.New()
			engine.GET("/healthz", broken.HealthzHandler)

			response := performRequest(engine, http.MethodGet, "/healthz")
			Expect(response.Code).To(Equal(http.StatusServiceUnavailable))
		})
	})

	Describe("ReadyzHandler", func() {
		It("should return 200 when all checks pass", func() {
			response := performRequest(engine, http.MethodGet, "/readyz")
			Expect(response.Code).To(Equal(http.StatusOK))

			var result map[string]interface{}
			Expect(parseJSONResponse(response, &result)).To(Succeed())
			Expect(result["status"]).To(Equal("ready"))
		})

		It("should return 503 while the PDB cache has not synced", func() {
			synced = false

			response := performRequest(engine, http.MethodGet, "/readyz")
			Expect(response.Code).To(Equal(http.StatusServiceUnavailable))

			var result map[string]interface{}
			Expect(parseJSONResponse(response, &result)).To(Succeed())
			checks := result["checks"].(map[string]interface{})
			Expect(checks["pdb-cache"]).To(Equal("initial list not complete"))
		})

		It("should return 503 after SetNotReady and recover after ClearNotReady", func() {
			checker.SetNotReady("shutting down")
			response := performRequest(engine, http.MethodGet, "/readyz")
			Expect(response.Code).To(Equal(http.StatusServiceUnavailable))

			checker.ClearNotReady()
			response = performRequest(engine, http.MethodGet, "/readyz")
			Expect(response.Code).To(Equal(http.StatusOK))
		})

		It("should treat a nil sync func as synced", func() {
			checker := NewHealthChecker(fakeClient, nil)
			engine := gin.New()
			engine.GET("/readyz", checker.ReadyzHandler)

			response := performRequest(engine, http.MethodGet, "/readyz")
			Expect(response.Code).To(Equal(http.StatusOK))
		})
	})

	Describe("GetReadyzChecker", func() {
		It("should mirror the readiness conditions", func() {
			check := checker.GetReadyzChecker()
			Expect(check(httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))).To(Succeed())

			synced = false
			Expect(check(httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))).NotTo(Succeed())

			synced = true
			checker.SetNotReady("draining connections")
			err := check(httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))
			Expect(err).To(MatchError(ContainSubstring("draining connections")))
		})
	})
})
