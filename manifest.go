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
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// NewTemplateFromJSON decodes a single TemplateSpec from r.  This is the
// programmatic counterpart of a `POST /jobs/<sid>` body (spec.md §6): the
// wire schema and this loader share the same TemplateSpec type, so a
// manifest file on disk and an HTTP request body are byte-for-byte
// interchangeable.
func NewTemplateFromJSON(r io.Reader) (TemplateSpec, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var spec TemplateSpec
	if err := dec.Decode(&spec); err != nil {
		return TemplateSpec{}, newErr("manifest.decode", KindInvalidSpec, err)
	}
	return spec.validate()
}

// LoadManifestDir scans dir for *.json manifest files and loads each as a
// template under session, logging (but not failing on) any single file
// that does not parse — the same best-effort scan as govisord/main.go's
// services-directory walk, generalized from one-service-per-file to
// one-template-per-file.
func LoadManifestDir(m *Manager, session, dir string, logger *log.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return newErr("manifest.scandir", KindInvalidState, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		fname := filepath.Join(dir, e.Name())
		f, err := os.Open(fname)
		if err != nil {
			logger.Printf("manifest: open %s: %v", fname, err)
			continue
		}
		spec, err := NewTemplateFromJSON(f)
		f.Close()
		if err != nil {
			logger.Printf("manifest: parse %s: %v", fname, err)
			continue
		}
		if _, err := m.LoadTemplate(session, spec); err != nil {
			logger.Printf("manifest: load %s: %v", fname, err)
			continue
		}
		logger.Printf("manifest: loaded %s", fmt.Sprintf("%s.%s", session, spec.Name))
	}
	return nil
}
