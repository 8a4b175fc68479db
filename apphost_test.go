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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

type fakeApp struct {
	name       string
	failStart  bool
	mu         sync.Mutex
	started    bool
	stopped    bool
}

func (f *fakeApp) Name() string { return f.name }
func (f *fakeApp) Start(m *Manager) error {
	if f.failStart {
		return errors.New("boom")
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}
func (f *fakeApp) Stop() error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}
func (f *fakeApp) Restart() error { return nil }

func (f *fakeApp) wasStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeApp) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func TestApplicationHostStartStop(t *testing.T) {
	Convey("A host with two apps", t, func() {
		m := NewManager()
		h := NewApplicationHost(m)
		a1 := &fakeApp{name: "a1"}
		a2 := &fakeApp{name: "a2"}
		h.Register(a1)
		h.Register(a2)

		Convey("Start brings up the manager loop and every app", func() {
			So(h.Start(), ShouldBeNil)
			So(a1.wasStarted(), ShouldBeTrue)
			So(a2.wasStarted(), ShouldBeTrue)
			h.Stop(time.Second)
			So(a1.wasStopped(), ShouldBeTrue)
			So(a2.wasStopped(), ShouldBeTrue)
		})

		Convey("a failing app rolls back apps already started", func() {
			bad := &fakeApp{name: "bad", failStart: true}
			h2 := NewApplicationHost(NewManager())
			h2.Register(a1)
			h2.Register(bad)
			err := h2.Start()
			So(err, ShouldNotBeNil)
			So(a1.wasStopped(), ShouldBeTrue)
		})

		Convey("Start twice fails", func() {
			So(h.Start(), ShouldBeNil)
			defer h.Stop(time.Second)
			So(h.Start(), ShouldNotBeNil)
		})
	})
}

func TestWebhookAppDeliversEvents(t *testing.T) {
	Convey("A WebhookApp subscribed to a Manager's spawn events", t, func() {
		received := make(chan map[string]interface{}, 4)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			received <- body
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		m := NewManager()
		go m.Run()
		defer m.Shutdown(time.Second)

		w := NewWebhookApp(srv.URL)
		So(w.Start(m), ShouldBeNil)
		defer w.Stop()

		_, err := m.LoadTemplate("app", TemplateSpec{Name: "hooked", Cmd: "true", NumProcesses: 1, GracefulTimeout: time.Second})
		So(err, ShouldBeNil)

		select {
		case body := <-received:
			So(body["topic"], ShouldEqual, "proc.hooked.spawn")
			So(body["id"], ShouldNotBeNil)
		case <-time.After(2 * time.Second):
			t.Fatal("webhook never delivered a spawn event")
		}
	})
}
