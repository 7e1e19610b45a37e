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

package operator

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/ahoma/drainhold/internal/server"
)

// preShutdownDelay gives the apiserver time to observe the readiness flip
// and stop routing webhook traffic here before the listeners close.
const preShutdownDelay = 2 * time.Second

// shutdownGuard flips the controller to not-ready as soon as shutdown
// begins. Without this, admission requests can race the closing webhook
// listener and fail according to the webhook's failure policy instead of
// landing on a healthy replica.
type shutdownGuard struct {
	health *server.HealthChecker
	log    logr.Logger
}

func newShutdownGuard(health *server.HealthChecker, log logr.Logger) *shutdownGuard {
	return &shutdownGuard{
		health: health,
		log:    log.WithName("shutdown-guard"),
	}
}

// Start implements manager.Runnable. It sleeps until shutdown, marks the
// controller not ready, and holds the manager's graceful window open for the
// pre-shutdown delay.
func (g *shutdownGuard) Start(ctx context.Context) error {
	<-ctx.Done()

	g.log.Info("shutdown requested, marking controller not ready")
	g.health.SetNotReady("shutting down")
	time.Sleep(preShutdownDelay)
	return nil
}
