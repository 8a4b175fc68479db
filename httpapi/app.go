// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	supervisor "github.com/orbitalio/supervisor"
)

// App wraps a Server as a supervisor.App, so an ApplicationHost can bring
// the HTTP surface up and down alongside the Manager it fronts.
type App struct {
	Addr string
	name string

	mu          sync.Mutex
	ln          net.Listener
	server      *http.Server
	lastManager *supervisor.Manager
}

// NewApp constructs an App that will listen on addr once started.
func NewApp(name, addr string) *App {
	return &App{Addr: addr, name: name}
}

func (a *App) Name() string { return "httpapi:" + a.name }

// Start builds the route table against m and begins serving in the
// background. It returns once the listener is bound, mirroring
// govisord's own "fail fast if the address is unavailable" behavior.
func (a *App) Start(m *supervisor.Manager) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ln, err := net.Listen("tcp", a.Addr)
	if err != nil {
		return err
	}
	srv := NewServer(a.name, m)
	a.ln = ln
	a.server = &http.Server{Handler: srv}
	a.lastManager = m
	go a.server.Serve(ln)
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (a *App) Stop() error {
	a.mu.Lock()
	srv := a.server
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Restart is a stop-then-start cycle against the same address.
func (a *App) Restart() error {
	a.mu.Lock()
	m := a.lastManager
	a.mu.Unlock()
	if err := a.Stop(); err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	return a.Start(m)
}
