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
	"log"
	"os"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[test] ", 0)
}

func TestProcessInstanceExitsCleanly(t *testing.T) {
	Convey("An instance running a fast, successful command", t, func() {
		spec := TemplateSpec{Name: "ok", Cmd: "true", GracefulTimeout: time.Second}
		e := NewEventEmitter()
		in := newProcessInstance(1, "s.ok", "ok", spec, true, e, testLogger())

		So(in.spawn(), ShouldBeNil)
		So(waitForState(in, StateExited, time.Second), ShouldBeTrue)
		So(in.ExitInfo().ExitStatus, ShouldEqual, 0)
		So(in.ExitInfo().Reaped, ShouldEqual, ReapedNormal)
	})
}

func TestProcessInstanceExitStatus(t *testing.T) {
	Convey("An instance running a command that exits non-zero", t, func() {
		spec := TemplateSpec{Name: "bad", Cmd: "false", GracefulTimeout: time.Second}
		e := NewEventEmitter()
		in := newProcessInstance(2, "s.bad", "bad", spec, true, e, testLogger())

		So(in.spawn(), ShouldBeNil)
		So(waitForState(in, StateExited, time.Second), ShouldBeTrue)
		So(in.ExitInfo().ExitStatus, ShouldEqual, 1)
	})
}

func TestProcessInstanceSpawnFailure(t *testing.T) {
	Convey("An instance naming a nonexistent command", t, func() {
		spec := TemplateSpec{Name: "nope", Cmd: "/no/such/binary-xyz"}
		e := NewEventEmitter()
		in := newProcessInstance(3, "s.nope", "nope", spec, true, e, testLogger())

		err := in.spawn()
		So(err, ShouldNotBeNil)
		So(in.State(), ShouldEqual, StateSpawnFailed)
	})
}

func TestProcessInstanceGracefulStop(t *testing.T) {
	Convey("A running instance asked to stop", t, func() {
		spec := TemplateSpec{Name: "sleeper", Cmd: "sleep", Args: []string{"30"}, GracefulTimeout: 5 * time.Second}
		e := NewEventEmitter()
		in := newProcessInstance(4, "s.sleeper", "sleeper", spec, true, e, testLogger())
		So(in.spawn(), ShouldBeNil)
		So(waitForState(in, StateRunning, time.Second), ShouldBeTrue)

		in.requestStop()
		So(waitForState(in, StateExited, time.Second), ShouldBeTrue)
		So(in.ExitInfo().Reaped, ShouldEqual, ReapedGraceful)
	})

	Convey("requestStop is idempotent once terminating", t, func() {
		spec := TemplateSpec{Name: "sleeper2", Cmd: "sleep", Args: []string{"30"}, GracefulTimeout: 5 * time.Second}
		e := NewEventEmitter()
		in := newProcessInstance(5, "s.sleeper2", "sleeper2", spec, true, e, testLogger())
		So(in.spawn(), ShouldBeNil)
		So(waitForState(in, StateRunning, time.Second), ShouldBeTrue)

		in.requestStop()
		in.requestStop()
		So(in.State(), ShouldEqual, StateTerminating)
		So(waitForState(in, StateExited, time.Second), ShouldBeTrue)
	})
}

func TestProcessInstanceUnexpectedExitFlag(t *testing.T) {
	Convey("onExit reports unexpected=true for a crash", t, func() {
		spec := TemplateSpec{Name: "crash", Cmd: "false", GracefulTimeout: time.Second}
		e := NewEventEmitter()
		in := newProcessInstance(6, "s.crash", "crash", spec, true, e, testLogger())
		unexpected := make(chan bool, 1)
		in.onExit = func(_ *ProcessInstance, u bool) { unexpected <- u }
		So(in.spawn(), ShouldBeNil)

		select {
		case u := <-unexpected:
			So(u, ShouldBeTrue)
		case <-time.After(time.Second):
			t.Fatal("onExit never called")
		}
	})

	Convey("onExit reports unexpected=false after an explicit stop", t, func() {
		spec := TemplateSpec{Name: "stopme", Cmd: "sleep", Args: []string{"30"}, GracefulTimeout: 5 * time.Second}
		e := NewEventEmitter()
		in := newProcessInstance(7, "s.stopme", "stopme", spec, true, e, testLogger())
		unexpected := make(chan bool, 1)
		in.onExit = func(_ *ProcessInstance, u bool) { unexpected <- u }
		So(in.spawn(), ShouldBeNil)
		So(waitForState(in, StateRunning, time.Second), ShouldBeTrue)
		in.requestStop()

		select {
		case u := <-unexpected:
			So(u, ShouldBeFalse)
		case <-time.After(2 * time.Second):
			t.Fatal("onExit never called")
		}
	})
}

func waitForState(in *ProcessInstance, want InstanceState, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if in.State() == want {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return in.State() == want
}
