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

// Package membership decides whether a pod currently backs an Ingress-routed
// Service. Pods that do not are outside the controller's concern and their
// removal is never delayed.
package membership

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// BackendPolicy selects which backends of an Ingress count as routed
// Services. Pluggable so the matching rule can change without touching the
// drain state machine.
type BackendPolicy interface {
	// ServiceNames returns the names of the Services the ingress routes to,
	// in the ingress's own namespace.
	ServiceNames(ingress *networkingv1.Ingress) []string
}

// StrictBackendPolicy counts only explicit HTTP path-rule backends that name
// both a Service and a port.
type StrictBackendPolicy struct{}

func (StrictBackendPolicy) ServiceNames(ingress *networkingv1.Ingress) []string {
	var names []string
	for _, rule := range ingress.Spec.Rules {
		if rule.HTTP == nil {
			continue
		}
		for _, path := range rule.HTTP.Paths {
			service := path.Backend.Service
			if service == nil || service.Name == "" {
				continue
			}
			if service.Port.Name == "" && service.Port.Number == 0 {
				continue
			}
			names = append(names, service.Name)
		}
	}
	return lo.Uniq(names)
}

// GeneralBackendPolicy additionally counts the default backend and path-rule
// backends that omit a port. Enabled by the experimental-general-ingress
// flag.
type GeneralBackendPolicy struct{}

func (GeneralBackendPolicy) ServiceNames(ingress *networkingv1.Ingress) []string {
	var names []string
	if def := ingress.Spec.DefaultBackend; def != nil && def.Service != nil && def.Service.Name != "" {
		names = append(names, def.Service.Name)
	}
	for _, rule := range ingress.Spec.Rules {
		if rule.HTTP == nil {
			continue
		}
		for _, path := range rule.HTTP.Paths {
			if path.Backend.Service != nil && path.Backend.Service.Name != "" {
				names = append(names, path.Backend.Service.Name)
			}
		}
	}
	return lo.Uniq(names)
}

// Resolver answers pod membership questions against the live Service and
// Ingress graph. Lookups are memoized briefly so a burst of admission
// requests during a rollout does not multiply API reads.
type Resolver struct {
	client client.Client
	policy BackendPolicy
	log    logr.Logger
	memo   *gocache.Cache
}

// NewResolver creates a resolver using the given backend policy. ttl bounds
// how stale a memoized Service or Ingress edge may be.
func NewResolver(c client.Client, policy BackendPolicy, ttl time.Duration, log logr.Logger) *Resolver {
	return &Resolver{
		client: c,
		policy: policy,
		log:    log.WithName("membership"),
		memo:   gocache.New(ttl, 10*ttl),
	}
}

// IsMember reports whether the pod backs at least one Ingress: some Ingress
// in the pod's namespace routes to a Service whose selector matches the
// pod's labels. Selector-less Services never match.
func (r *Resolver) IsMember(ctx context.Context, pod *corev1.Pod) (bool, error) {
	serviceNames, err := r.routedServiceNames(ctx, pod.Namespace)
	if err != nil {
		return false, err
	}

	for _, name := range serviceNames {
		selector, err := r.serviceSelector(ctx, types.NamespacedName{Namespace: pod.Namespace, Name: name})
		if err != nil {
			return false, err
		}
		if len(selector) == 0 {
			continue
		}
		if selectorMatches(selector, pod.Labels) {
			r.log.V(1).Info("pod backs an ingress-routed service",
				"pod", client.ObjectKeyFromObject(pod), "service", name)
			return true, nil
		}
	}
	return false, nil
}

// routedServiceNames returns the names of every Service referenced as an
// ingress backend in the namespace.
func (r *Resolver) routedServiceNames(ctx context.Context, namespace string) ([]string, error) {
	key := "ingress-services/" + namespace
	if cached, ok := r.memo.Get(key); ok {
		return cached.([]string), nil
	}

	var ingresses networkingv1.IngressList
	if err := r.client.List(ctx, &ingresses, client.InNamespace(namespace)); err != nil {
		return nil, errors.Wrap(err, "listing ingresses")
	}

	names := lo.Uniq(lo.FlatMap(ingresses.Items, func(ingress networkingv1.Ingress, _ int) []string {
		return r.policy.ServiceNames(&ingress)
	}))

	r.memo.SetDefault(key, names)
	return names, nil
}

// serviceSelector returns the Service's label selector, or nil when the
// Service does not exist or has no selector.
func (r *Resolver) serviceSelector(ctx context.Context, key types.NamespacedName) (map[string]string, error) {
	memoKey := fmt.Sprintf("service/%s/%s", key.Namespace, key.Name)
	if cached, ok := r.memo.Get(memoKey); ok {
		return cached.(map[string]string), nil
	}

	var service corev1.Service
	if err := r.client.Get(ctx, key, &service); err != nil {
		if apierrors.IsNotFound(err) {
			r.memo.SetDefault(memoKey, map[string]string(nil))
			return nil, nil
		}
		return nil, errors.Wrapf(err, "getting service %s", key)
	}

	r.memo.SetDefault(memoKey, service.Spec.Selector)
	return service.Spec.Selector, nil
}

// selectorMatches reports whether every selector entry is present in the pod
// labels.
func selectorMatches(selector, podLabels map[string]string) bool {
	for key, value := range selector {
		if podLabels[key] != value {
			return false
		}
	}
	return true
}
