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
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestOutputStreamPumpAndBacklog(t *testing.T) {
	Convey("An output stream pumping a reader", t, func() {
		e := NewEventEmitter()
		mux := NewStreamMux(42, e)
		out := mux.Output("stdout")
		So(out.Topic(), ShouldEqual, "stream.42.stdout")

		c := &collector{}
		payloads := make(chan StreamPayload, 8)
		sub := e.Subscribe(out.Topic(), SubscriberFunc(func(ev Event) {
			c.Deliver(ev)
			payloads <- ev.Payload.(StreamPayload)
		}), SubscribeOptions{})
		defer sub.Unsubscribe()

		r := strings.NewReader("hello world")
		var logged bytes.Buffer
		done := make(chan struct{})
		go func() {
			out.pump(r, func(b []byte) { logged.Write(b) })
			close(done)
		}()

		select {
		case p := <-payloads:
			So(string(p.Data), ShouldEqual, "hello world")
			So(p.Label, ShouldEqual, "stdout")
			So(p.PID, ShouldEqual, int64(42))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for stream payload")
		}
		<-done

		So(string(out.Backlog()), ShouldEqual, "hello world")
		So(logged.String(), ShouldEqual, "hello world")
	})
}

func TestOutputStreamRingBound(t *testing.T) {
	Convey("A ring smaller than the written data", t, func() {
		e := NewEventEmitter()
		mux := NewStreamMux(1, e)
		out := mux.Output("stdout")
		out.ringCap = 4
		out.append([]byte("abcdef"))
		So(string(out.Backlog()), ShouldEqual, "cdef")
	})
}

func TestInputStreamSerializesWrites(t *testing.T) {
	Convey("A StreamMux with input enabled", t, func() {
		e := NewEventEmitter()
		mux := NewStreamMux(1, e)
		var buf bytes.Buffer
		mux.EnableInput(&buf, 4)

		Convey("writes land in order", func() {
			So(mux.Write([]byte("a"), true), ShouldBeNil)
			So(mux.Write([]byte("b"), true), ShouldBeNil)
			So(mux.Write([]byte("c"), true), ShouldBeNil)
			mux.Close()
			time.Sleep(20 * time.Millisecond)
			So(buf.String(), ShouldEqual, "abc")
		})

		Convey("a non-blocking write against a full queue returns ErrWouldBlock", func() {
			blocked := &blockingWriter{started: make(chan struct{}, 1), release: make(chan struct{})}
			mux2 := NewStreamMux(2, e)
			mux2.EnableInput(blocked, 1)
			// "x" is picked up by the input goroutine and blocks inside
			// blockingWriter.Write; "y" then fills the one-deep queue.
			So(mux2.Write([]byte("x"), true), ShouldBeNil)
			<-blocked.started
			So(mux2.Write([]byte("y"), true), ShouldBeNil)
			err := mux2.Write([]byte("z"), false)
			close(blocked.release)
			So(err, ShouldEqual, ErrWouldBlock)
		})
	})

	Convey("Writing to a mux with no input enabled fails", t, func() {
		e := NewEventEmitter()
		mux := NewStreamMux(1, e)
		err := mux.Write([]byte("x"), true)
		So(err, ShouldNotBeNil)
	})
}

type blockingWriter struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingWriter) Write(p []byte) (int, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-b.release
	return len(p), nil
}
