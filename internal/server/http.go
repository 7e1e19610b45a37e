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
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
)

// HTTPServer serves the probe and metrics routes as a manager Runnable.
type HTTPServer struct {
	addr   string
	engine *gin.Engine
	log    logr.Logger
}

// NewHTTPServer builds the gin engine and mounts the health and metrics
// handlers.
func NewHTTPServer(addr string, health *HealthChecker, metricsServer *MetricsServer, log logr.Logger) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", health.HealthzHandler)
	engine.GET("/readyz", health.ReadyzHandler)
	engine.GET("/metrics", metricsServer.MetricsHandler)

	return &HTTPServer{
		addr:   addr,
		engine: engine,
		log:    log.WithName("http-server"),
	}
}

// Engine returns the underlying gin engine for tests.
func (s *HTTPServer) Engine() *gin.Engine {
	return s.engine
}

// Start serves until the context is cancelled, then shuts down gracefully.
// Implements manager.Runnable.
func (s *HTTPServer) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("serving probes and metrics", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}
