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
	"os"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestStatSamplerGatedOnSubscribers(t *testing.T) {
	Convey("A statSampler with no subscriber", t, func() {
		e := NewEventEmitter()
		s := newStatSampler(9, os.Getpid(), e, 10*time.Millisecond, "test")
		s.start()
		defer s.close()

		Convey("it publishes nothing", func() {
			c := &collector{}
			sub := e.Subscribe("noise", c, SubscribeOptions{})
			defer sub.Unsubscribe()
			time.Sleep(40 * time.Millisecond)
			So(c.snapshot(), ShouldBeEmpty)
		})
	})

	Convey("A statSampler with a live subscriber", t, func() {
		e := NewEventEmitter()
		s := newStatSampler(9, os.Getpid(), e, 10*time.Millisecond, "test")

		samples := make(chan StatsPayload, 4)
		sub := e.Subscribe("stats.9", SubscriberFunc(func(ev Event) {
			samples <- ev.Payload.(StatsPayload)
		}), SubscribeOptions{})
		defer sub.Unsubscribe()

		s.start()
		defer s.close()

		Convey("it publishes samples tagged with the instance pid", func() {
			select {
			case st := <-samples:
				So(st.PID, ShouldEqual, int64(9))
			case <-time.After(time.Second):
				t.Fatal("no sample published within a second")
			}
		})
	})
}

func TestSampleStatsOneShot(t *testing.T) {
	Convey("SampleStats reads a running instance's resource usage", t, func() {
		spec := TemplateSpec{Name: "self", Cmd: "sleep", Args: []string{"5"}, GracefulTimeout: time.Second}
		e := NewEventEmitter()
		in := newProcessInstance(1, "s.self", "self", spec, true, e, testLogger())
		So(in.spawn(), ShouldBeNil)
		defer in.requestStop()
		So(waitForState(in, StateRunning, time.Second), ShouldBeTrue)

		st, err := in.SampleStats()
		So(err, ShouldBeNil)
		So(st.PID, ShouldEqual, in.PID())
	})
}
