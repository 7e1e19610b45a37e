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

// Package pdbcache maintains a watch-fed, eventually-consistent snapshot of
// every PodDisruptionBudget in the cluster. Readers are never blocked on
// network activity: lookups serve the last known snapshot even while the
// watch reconnects.
package pdbcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	policyv1 "k8s.io/api/policy/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	watchtools "k8s.io/client-go/tools/watch"
)

// Snapshot is the subset of a PodDisruptionBudget the controller needs.
type Snapshot struct {
	Name               string
	Namespace          string
	Selector           labels.Selector
	DisruptionsAllowed int32
}

// Cache is the shared-read, single-writer PDB snapshot store. The watch
// loop is the only writer.
type Cache struct {
	client kubernetes.Interface
	log    logr.Logger
	resync time.Duration

	mu          sync.RWMutex
	byNamespace map[string]map[string]Snapshot

	synced atomic.Bool
}

// NewCache creates a cache that is empty until Start has completed its
// first list.
func NewCache(client kubernetes.Interface, log logr.Logger, resync time.Duration) *Cache {
	return &Cache{
		client:      client,
		log:         log.WithName("pdb-cache"),
		resync:      resync,
		byNamespace: map[string]map[string]Snapshot{},
	}
}

// HasSynced reports whether the initial list has completed. Feeds the
// readiness probe.
func (c *Cache) HasSynced() bool {
	return c.synced.Load()
}

// Matching returns the snapshots whose selector matches the pod labels in
// the given namespace.
func (c *Cache) Matching(namespace string, podLabels map[string]string) []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set := labels.Set(podLabels)
	return lo.Filter(lo.Values(c.byNamespace[namespace]), func(snapshot Snapshot, _ int) bool {
		return snapshot.Selector.Matches(set)
	})
}

// DisruptionAllowed reports whether every budget matching the pod currently
// allows at least one disruption. A pod matched by no budget is always
// allowed. The answer is best-effort: the authoritative check is the real
// Eviction call.
func (c *Cache) DisruptionAllowed(namespace string, podLabels map[string]string) bool {
	return lo.EveryBy(c.Matching(namespace, podLabels), func(snapshot Snapshot) bool {
		return snapshot.DisruptionsAllowed >= 1
	})
}

// Start runs the list-watch loop until the context is cancelled. Implements
// manager.Runnable. Stream termination and transient API errors are retried
// with exponential backoff while readers keep seeing the previous snapshot.
func (c *Cache) Start(ctx context.Context) error {
	c.log.Info("starting PDB snapshot cache")

	backoff := wait.Backoff{Duration: time.Second, Factor: 2, Jitter: 0.1, Steps: 1 << 30, Cap: 30 * time.Second}
	for {
		resourceVersion, err := c.relist(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := backoff.Step()
			c.log.Error(err, "PDB list failed, serving last known snapshot", "retryAfter", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		backoff = wait.Backoff{Duration: time.Second, Factor: 2, Jitter: 0.1, Steps: 1 << 30, Cap: 30 * time.Second}

		if err := c.watchFrom(ctx, resourceVersion); err != nil {
			c.log.Error(err, "PDB watch terminated, relisting")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Cache) relist(ctx context.Context) (string, error) {
	list, err := c.client.PolicyV1().PodDisruptionBudgets(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", err
	}

	fresh := map[string]map[string]Snapshot{}
	for i := range list.Items {
		snapshot := snapshotFrom(&list.Items[i])
		if fresh[snapshot.Namespace] == nil {
			fresh[snapshot.Namespace] = map[string]Snapshot{}
		}
		fresh[snapshot.Namespace][snapshot.Name] = snapshot
	}

	c.mu.Lock()
	c.byNamespace = fresh
	c.mu.Unlock()
	c.synced.Store(true)

	c.log.V(1).Info("PDB snapshot replaced", "budgets", len(list.Items), "resourceVersion", list.ResourceVersion)
	return list.ResourceVersion, nil
}

func (c *Cache) watchFrom(ctx context.Context, resourceVersion string) error {
	watcher, err := watchtools.NewRetryWatcher(resourceVersion, &cache.ListWatch{
		WatchFunc: func(options metav1.ListOptions) (watch.Interface, error) {
			return c.client.PolicyV1().PodDisruptionBudgets(metav1.NamespaceAll).Watch(ctx, options)
		},
	})
	if err != nil {
		return err
	}
	defer watcher.Stop()

	resyncTimer := time.NewTimer(c.resync)
	defer resyncTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-resyncTimer.C:
			return nil
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return nil
			}
			c.apply(event)
		}
	}
}

func (c *Cache) apply(event watch.Event) {
	pdb, ok := event.Object.(*policyv1.PodDisruptionBudget)
	if !ok {
		return
	}
	snapshot := snapshotFrom(pdb)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch event.Type {
	case watch.Added, watch.Modified:
		if c.byNamespace[snapshot.Namespace] == nil {
			c.byNamespace[snapshot.Namespace] = map[string]Snapshot{}
		}
		c.byNamespace[snapshot.Namespace][snapshot.Name] = snapshot
	case watch.Deleted:
		delete(c.byNamespace[snapshot.Namespace], snapshot.Name)
		if len(c.byNamespace[snapshot.Namespace]) == 0 {
			delete(c.byNamespace, snapshot.Namespace)
		}
	}
}

func snapshotFrom(pdb *policyv1.PodDisruptionBudget) Snapshot {
	selector, err := metav1.LabelSelectorAsSelector(pdb.Spec.Selector)
	if err != nil {
		// A selector the apiserver accepted but we cannot parse matches
		// nothing; the real Eviction call still enforces it.
		selector = labels.Nothing()
	}
	return Snapshot{
		Name:               pdb.Name,
		Namespace:          pdb.Namespace,
		Selector:           selector,
		DisruptionsAllowed: pdb.Status.DisruptionsAllowed,
	}
}
