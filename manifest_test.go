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
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestNewTemplateFromJSON(t *testing.T) {
	Convey("Decoding a manifest body", t, func() {
		Convey("a well-formed spec decodes and validates", func() {
			spec, err := NewTemplateFromJSON(strings.NewReader(`{"name":"worker","cmd":"true","numprocesses":2}`))
			So(err, ShouldBeNil)
			So(spec.Name, ShouldEqual, "worker")
			So(spec.NumProcesses, ShouldEqual, 2)
			So(spec.GracefulTimeout.Seconds(), ShouldEqual, 30)
		})

		Convey("an unknown field is rejected", func() {
			_, err := NewTemplateFromJSON(strings.NewReader(`{"name":"worker","bogus":true}`))
			So(err, ShouldNotBeNil)
		})

		Convey("an invalid name fails validate", func() {
			_, err := NewTemplateFromJSON(strings.NewReader(`{"name":"bad name!"}`))
			So(err, ShouldNotBeNil)
		})
	})
}

func TestLoadManifestDir(t *testing.T) {
	Convey("A directory of manifest files", t, func() {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "a.json"), `{"name":"a","cmd":"true"}`)
		writeFile(t, filepath.Join(dir, "b.json"), `{"name":"b","cmd":"true"}`)
		writeFile(t, filepath.Join(dir, "broken.json"), `not json`)
		writeFile(t, filepath.Join(dir, "ignored.txt"), `irrelevant`)

		m := NewManager()
		logger := log.New(os.Stderr, "[test] ", 0)

		Convey("valid manifests load, broken ones are skipped without failing the scan", func() {
			err := LoadManifestDir(m, "app", dir, logger)
			So(err, ShouldBeNil)
			names := m.ListTemplates()
			So(names, ShouldContain, "app.a")
			So(names, ShouldContain, "app.b")
			So(len(names), ShouldEqual, 2)
		})

		Convey("a nonexistent directory fails the scan", func() {
			err := LoadManifestDir(m, "app", filepath.Join(dir, "nope"), logger)
			So(err, ShouldNotBeNil)
		})
	})
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
