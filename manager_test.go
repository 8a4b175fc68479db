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

// +build darwin dragonfly freebsd linux netbsd openbsd solaris

package supervisor

import (
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func waitForCondition(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestManagerLoadAndScale(t *testing.T) {
	Convey("A running Manager", t, func() {
		m := NewManager()
		go m.Run()
		defer m.Shutdown(time.Second)

		spec := TemplateSpec{Name: "worker", Cmd: "sleep", Args: []string{"30"}, NumProcesses: 2, GracefulTimeout: time.Second}
		qname, err := m.LoadTemplate("app", spec)
		So(err, ShouldBeNil)
		So(qname, ShouldEqual, "app.worker")

		Convey("it converges to the desired replica count", func() {
			So(waitForCondition(func() bool { return len(m.ListInstances(qname)) == 2 }, time.Second), ShouldBeTrue)
		})

		Convey("loading the same name twice fails", func() {
			_, err := m.LoadTemplate("app", spec)
			So(err, ShouldNotBeNil)
			So(errKindOf(err), ShouldEqual, KindAlreadyExists)
		})

		Convey("Scale adjusts the running count in both directions", func() {
			So(waitForCondition(func() bool { return len(m.ListInstances(qname)) == 2 }, time.Second), ShouldBeTrue)
			So(m.Scale(qname, 4), ShouldBeNil)
			So(waitForCondition(func() bool { return len(m.ListInstances(qname)) == 4 }, time.Second), ShouldBeTrue)
			So(m.Scale(qname, 1), ShouldBeNil)
			So(waitForCondition(func() bool {
				pids := m.ListInstances(qname)
				running := 0
				for _, pid := range pids {
					if in, ok := m.GetInstance(pid); ok && in.State() == StateRunning {
						running++
					}
				}
				return running == 1
			}, time.Second), ShouldBeTrue)
		})

		Convey("Stop drains all instances, Start respawns them", func() {
			So(waitForCondition(func() bool { return len(m.ListInstances(qname)) == 2 }, time.Second), ShouldBeTrue)
			So(m.Stop(qname), ShouldBeNil)
			paused, ok := m.IsPaused(qname)
			So(ok, ShouldBeTrue)
			So(paused, ShouldBeTrue)
			So(waitForCondition(func() bool { return len(m.ListInstances(qname)) == 0 }, time.Second), ShouldBeTrue)

			So(m.Start(qname), ShouldBeNil)
			So(waitForCondition(func() bool { return len(m.ListInstances(qname)) == 2 }, time.Second), ShouldBeTrue)
		})

		Convey("UnloadTemplate removes the template once drained", func() {
			So(m.UnloadTemplate(qname), ShouldBeNil)
			So(waitForCondition(func() bool {
				_, ok := m.GetTemplate(qname)
				return !ok
			}, time.Second), ShouldBeTrue)
		})
	})
}

func TestManagerPriorityOrdering(t *testing.T) {
	Convey("templatesByPriority orders ascending by priority (lower first), then registration order", t, func() {
		templates := map[string]*ProcessTemplate{
			"a": {spec: TemplateSpec{Name: "a", Priority: 1}, seq: 2},
			"b": {spec: TemplateSpec{Name: "b", Priority: 5}, seq: 1},
			"c": {spec: TemplateSpec{Name: "c", Priority: 5}, seq: 0},
		}
		ordered := templatesByPriority(templates)
		So(ordered[0].spec.Name, ShouldEqual, "a")
		So(ordered[1].spec.Name, ShouldEqual, "c")
		So(ordered[2].spec.Name, ShouldEqual, "b")
	})
}

func TestManagerLoadTemplateAssignsSeq(t *testing.T) {
	Convey("LoadTemplate assigns each template a strictly increasing seq, in real registration order", t, func() {
		m := NewManager()
		_, err := m.LoadTemplate("app", TemplateSpec{Name: "b", Priority: 5})
		So(err, ShouldBeNil)
		_, err = m.LoadTemplate("app", TemplateSpec{Name: "c", Priority: 5})
		So(err, ShouldBeNil)
		_, err = m.LoadTemplate("app", TemplateSpec{Name: "a", Priority: 1})
		So(err, ShouldBeNil)

		m.mu.Lock()
		ordered := templatesByPriority(m.templates)
		m.mu.Unlock()

		So(ordered[0].spec.Name, ShouldEqual, "a")
		So(ordered[1].spec.Name, ShouldEqual, "b")
		So(ordered[2].spec.Name, ShouldEqual, "c")
		So(ordered[1].seq, ShouldBeLessThan, ordered[2].seq)
	})
}

func TestManagerPrioritySpawnOrder(t *testing.T) {
	Convey("Templates a (priority 1) and b (priority 0) loaded before the manager starts spawn ascending by priority", t, func() {
		m := NewManager()

		var mu sync.Mutex
		var spawnOrder []string
		sub := m.Events().Subscribe("proc..spawn", SubscriberFunc(func(ev Event) {
			p := ev.Payload.(SpawnPayload)
			mu.Lock()
			spawnOrder = append(spawnOrder, p.Name)
			mu.Unlock()
		}), SubscribeOptions{Capacity: 8})
		defer sub.Unsubscribe()

		specA := TemplateSpec{Name: "a", Cmd: "true", NumProcesses: 1, Priority: 1}
		specB := TemplateSpec{Name: "b", Cmd: "true", NumProcesses: 1, Priority: 0}
		_, err := m.LoadTemplate("app", specA)
		So(err, ShouldBeNil)
		_, err = m.LoadTemplate("app", specB)
		So(err, ShouldBeNil)

		go m.Run()
		defer m.Shutdown(time.Second)

		So(waitForCondition(func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(spawnOrder) >= 2
		}, time.Second), ShouldBeTrue)

		mu.Lock()
		defer mu.Unlock()
		So(spawnOrder[0], ShouldEqual, "app.b")
		So(spawnOrder[1], ShouldEqual, "app.a")
	})
}

func TestManagerFlappingTripPausesState(t *testing.T) {
	Convey("A template that exhausts its flapping retry budget reads as paused via IsPaused", t, func() {
		m := NewManager()
		go m.Run()
		defer m.Shutdown(time.Second)

		spec := TemplateSpec{
			Name:         "crash",
			Cmd:          "false",
			NumProcesses: 1,
			Flapping: FlappingPolicy{
				Attempts: 3,
				Window:   time.Minute,
				RetryIn:  10 * time.Millisecond,
				MaxRetry: 1,
			},
		}
		qname, err := m.LoadTemplate("app", spec)
		So(err, ShouldBeNil)

		var mu sync.Mutex
		stopped := false
		sub := m.Events().Subscribe("stopped_flapping", SubscriberFunc(func(ev Event) {
			mu.Lock()
			stopped = true
			mu.Unlock()
		}), SubscribeOptions{Capacity: 4})
		defer sub.Unsubscribe()

		So(waitForCondition(func() bool {
			mu.Lock()
			defer mu.Unlock()
			return stopped
		}, 5*time.Second), ShouldBeTrue)

		paused, ok := m.IsPaused(qname)
		So(ok, ShouldBeTrue)
		So(paused, ShouldBeTrue)

		Convey("Start clears the flapping-stopped state and allows respawning", func() {
			So(m.Start(qname), ShouldBeNil)
			So(waitForCondition(func() bool {
				paused, _ := m.IsPaused(qname)
				return !paused
			}, time.Second), ShouldBeTrue)
		})
	})
}

func TestManagerUpdateTemplateRespawnsOnMaterialChange(t *testing.T) {
	Convey("A loaded template", t, func() {
		m := NewManager()
		go m.Run()
		defer m.Shutdown(time.Second)

		spec := TemplateSpec{Name: "worker", Cmd: "sleep", Args: []string{"30"}, NumProcesses: 1, GracefulTimeout: time.Second}
		qname, err := m.LoadTemplate("app", spec)
		So(err, ShouldBeNil)
		So(waitForCondition(func() bool { return len(m.ListInstances(qname)) == 1 }, time.Second), ShouldBeTrue)
		firstPids := m.ListInstances(qname)

		Convey("changing the command replaces running instances", func() {
			updated := spec
			updated.Cmd = "true"
			So(m.UpdateTemplate(qname, updated), ShouldBeNil)
			So(waitForCondition(func() bool {
				pids := m.ListInstances(qname)
				return len(pids) == 1 && pids[0] != firstPids[0]
			}, 2*time.Second), ShouldBeTrue)
		})

		Convey("changing only priority does not respawn the existing instance", func() {
			updated := spec
			updated.NumProcesses = 1
			updated.Priority = 9
			So(m.UpdateTemplate(qname, updated), ShouldBeNil)
			time.Sleep(50 * time.Millisecond)
			So(m.ListInstances(qname), ShouldResemble, firstPids)
		})
	})
}

func TestManagerMonitor(t *testing.T) {
	Convey("Monitor delivers stats events for every instance of a template, present and future", t, func() {
		m := NewManager()
		go m.Run()
		defer m.Shutdown(time.Second)

		spec := TemplateSpec{Name: "worker", Cmd: "sleep", Args: []string{"5"}, NumProcesses: 1}
		qname, err := m.LoadTemplate("app", spec)
		So(err, ShouldBeNil)
		So(waitForCondition(func() bool { return len(m.ListInstances(qname)) == 1 }, time.Second), ShouldBeTrue)

		var mu sync.Mutex
		var seen int
		sub, err := m.Monitor(qname, func(ev Event) {
			if _, ok := ev.Payload.(StatsPayload); ok {
				mu.Lock()
				seen++
				mu.Unlock()
			}
		})
		So(err, ShouldBeNil)
		defer m.Unmonitor(sub)

		So(waitForCondition(func() bool {
			mu.Lock()
			defer mu.Unlock()
			return seen > 0
		}, 2*time.Second), ShouldBeTrue)
	})

	Convey("Monitor on an unknown qname fails NotFound", t, func() {
		m := NewManager()
		_, err := m.Monitor("app.nope", func(Event) {})
		So(err, ShouldNotBeNil)
		So(errKindOf(err), ShouldEqual, KindNotFound)
	})
}

func TestManagerCommitIsUnsupervised(t *testing.T) {
	Convey("Commit spawns an instance outside the template registry", t, func() {
		m := NewManager()
		go m.Run()
		defer m.Shutdown(time.Second)

		spec := TemplateSpec{Name: "oneoff", Cmd: "true"}
		in, err := m.Commit("app", spec)
		So(err, ShouldBeNil)
		So(in, ShouldNotBeNil)
		_, ok := m.GetInstance(in.PID())
		So(ok, ShouldBeFalse)
	})
}

func TestManagerWaitChanged(t *testing.T) {
	Convey("WaitChanged unblocks when the registry mutates", t, func() {
		m := NewManager()
		go m.Run()
		defer m.Shutdown(time.Second)

		start := m.Serial()
		done := make(chan int64, 1)
		go func() { done <- m.WaitChanged(start, 2*time.Second) }()

		time.Sleep(20 * time.Millisecond)
		_, err := m.LoadTemplate("app", TemplateSpec{Name: "trigger", Cmd: "true"})
		So(err, ShouldBeNil)

		select {
		case serial := <-done:
			So(serial, ShouldBeGreaterThan, start)
		case <-time.After(2 * time.Second):
			t.Fatal("WaitChanged never returned")
		}
	})

	Convey("WaitChanged returns the same serial once expire elapses with no change", t, func() {
		m := NewManager()
		start := m.Serial()
		got := m.WaitChanged(start, 20*time.Millisecond)
		So(got, ShouldEqual, start)
	})
}
