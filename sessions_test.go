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

	. "github.com/smartystreets/goconvey/convey"
)

func TestSessionRegistry(t *testing.T) {
	Convey("A session registry", t, func() {
		r := newSessionRegistry()
		r.add("app", "worker")
		r.add("app", "web")
		r.add("other", "cron")

		Convey("sessions lists every known session, sorted", func() {
			So(r.sessions(), ShouldResemble, []string{"app", "other"})
		})

		Convey("names lists a session's templates, sorted", func() {
			So(r.names("app"), ShouldResemble, []string{"web", "worker"})
		})

		Convey("removing the last name drops the session entirely", func() {
			r.remove("other", "cron")
			So(r.sessions(), ShouldResemble, []string{"app"})
		})

		Convey("removing one of several names keeps the session", func() {
			r.remove("app", "web")
			So(r.names("app"), ShouldResemble, []string{"worker"})
		})
	})
}
