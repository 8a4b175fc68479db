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

package supervisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// App is the explicit capability interface an ApplicationHost drives:
// Name for diagnostics, Start to begin serving once the Manager is
// running, Stop to shut down, Restart to cycle without a full process
// restart.  This replaces duck-typed lifecycle hooks with a fixed
// contract, per spec.md §9's redesign flag.
type App interface {
	Name() string
	Start(m *Manager) error
	Stop() error
	Restart() error
}

// ApplicationHost sequences a Manager and a set of Apps: the Manager's
// convergence loop is started first, then each App in registration
// order, mirroring govisord's own "bring up the Manager, then the REST
// and RPC servers" main sequence but generalized to an arbitrary,
// pluggable App list instead of two hardcoded servers.
type ApplicationHost struct {
	manager *Manager
	logger  *log.Logger

	mu      sync.Mutex
	apps    []App
	started bool
}

// NewApplicationHost wraps an already-constructed Manager.
func NewApplicationHost(m *Manager) *ApplicationHost {
	return &ApplicationHost{manager: m, logger: m.multilog.Logger()}
}

// Register adds an App to be started/stopped alongside the host.  It
// must be called before Start.
func (h *ApplicationHost) Register(a App) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.apps = append(h.apps, a)
}

// Manager returns the hosted Manager.
func (h *ApplicationHost) Manager() *Manager { return h.manager }

// Start launches the Manager's convergence loop and then every
// registered App, in registration order.  If an App fails to start, the
// Apps already started (and the Manager) are stopped before the error is
// returned.
func (h *ApplicationHost) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return newErr("apphost.start", KindInvalidState, nil)
	}
	go h.manager.Run()

	for i, a := range h.apps {
		if err := a.Start(h.manager); err != nil {
			for j := i - 1; j >= 0; j-- {
				h.apps[j].Stop()
			}
			h.manager.Shutdown(5 * time.Second)
			return newErr("apphost.start", KindInvalidState, fmt.Errorf("%s: %w", a.Name(), err))
		}
		h.logger.Printf("apphost: started %s", a.Name())
	}
	h.started = true
	return nil
}

// Stop stops every App in reverse registration order, then shuts the
// Manager down, waiting up to grace for instances to exit gracefully.
func (h *ApplicationHost) Stop(grace time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return
	}
	for i := len(h.apps) - 1; i >= 0; i-- {
		if err := h.apps[i].Stop(); err != nil {
			h.logger.Printf("apphost: stop %s: %v", h.apps[i].Name(), err)
		}
	}
	h.manager.Shutdown(grace)
	h.started = false
}

// WebhookApp POSTs a JSON delivery to a configured URL whenever a
// subscribed instance lifecycle event fires.  It supplements spec.md
// §1's "webhook delivery" external collaborator with a first-party
// reference notifier.
type WebhookApp struct {
	URL    string
	Client *http.Client

	state *webhookState
}

// webhookDelivery is the JSON body POSTed to URL.
type webhookDelivery struct {
	ID    string      `json:"id"`
	Topic string      `json:"topic"`
	Time  time.Time   `json:"time"`
	Data  interface{} `json:"data"`
}

// NewWebhookApp constructs a WebhookApp that will deliver to url once
// started.
func NewWebhookApp(url string) *WebhookApp {
	return &WebhookApp{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookApp) Name() string { return "webhook" }

// Start subscribes to every template's spawn/exit/stopped_flapping
// events and begins delivering them.  The emitter matches one pattern
// per subscription, so one topic shape of interest gets its own
// Subscribe call.
func (w *WebhookApp) Start(m *Manager) error {
	if w.Client == nil {
		w.Client = &http.Client{Timeout: 10 * time.Second}
	}
	deliver := SubscriberFunc(func(ev Event) { w.deliver(ev) })
	w.state = &webhookState{subs: []*Subscription{
		m.Events().Subscribe("proc..spawn", deliver, SubscribeOptions{Capacity: 128, Policy: DropOldest}),
		m.Events().Subscribe("proc..exit", deliver, SubscribeOptions{Capacity: 128, Policy: DropOldest}),
		m.Events().Subscribe("proc..stopped_flapping", deliver, SubscribeOptions{Capacity: 128, Policy: DropOldest}),
	}}
	return nil
}

// webhookState carries the multi-subscription bookkeeping Start
// installs, kept separate so WebhookApp's zero value stays usable.
type webhookState struct {
	subs []*Subscription
}

func (w *WebhookApp) deliver(ev Event) {
	body, err := json.Marshal(webhookDelivery{
		ID:    uuid.NewString(),
		Topic: ev.Topic,
		Time:  ev.Time,
		Data:  ev.Payload,
	})
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Delivery-Id", uuid.NewString())
	resp, err := w.Client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// Stop unsubscribes from every topic this app was delivering.
func (w *WebhookApp) Stop() error {
	if w.state != nil {
		for _, s := range w.state.subs {
			s.Unsubscribe()
		}
		w.state = nil
	}
	return nil
}

// Restart is a no-op: it neither stops nor starts anything, and the
// existing subscription keeps delivering.
func (w *WebhookApp) Restart() error {
	return nil
}
