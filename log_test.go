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
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLogWriteAndGetRecords(t *testing.T) {
	Convey("A fresh Log", t, func() {
		l := NewLog()

		Convey("Write appends one record per line", func() {
			l.Write([]byte("first\nsecond\n"))
			recs, id := l.GetRecords(0)
			So(len(recs), ShouldEqual, 2)
			So(recs[0].Text, ShouldEqual, "first")
			So(recs[1].Text, ShouldEqual, "second")
			So(id, ShouldNotEqual, 0)
		})

		Convey("GetRecords with the current id returns nothing new", func() {
			l.Write([]byte("only"))
			_, id := l.GetRecords(0)
			recs, sameID := l.GetRecords(id)
			So(recs, ShouldBeNil)
			So(sameID, ShouldEqual, id)
		})

		Convey("records wrap once maxRecords is exceeded", func() {
			l.maxRecords = 3
			l.Write([]byte("a\nb\nc\nd\n"))
			recs, _ := l.GetRecords(0)
			So(len(recs), ShouldEqual, 3)
			So(recs[0].Text, ShouldEqual, "b")
			So(recs[2].Text, ShouldEqual, "d")
		})
	})
}

func TestLogWatch(t *testing.T) {
	Convey("Watch unblocks when a new record arrives", t, func() {
		l := NewLog()
		_, id := l.GetRecords(0)

		done := make(chan int64, 1)
		go func() { done <- l.Watch(id, 2*time.Second) }()
		time.Sleep(20 * time.Millisecond)
		l.Write([]byte("hello"))

		select {
		case got := <-done:
			So(got, ShouldNotEqual, id)
		case <-time.After(2 * time.Second):
			t.Fatal("Watch never returned")
		}
	})

	Convey("Watch returns the same id once expire elapses with no write", t, func() {
		l := NewLog()
		_, id := l.GetRecords(0)
		got := l.Watch(id, 20*time.Millisecond)
		So(got, ShouldEqual, id)
	})
}
