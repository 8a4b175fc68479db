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

import "sort"

// sessionRegistry maps a session id to the set of template names loaded
// under it, letting callers enumerate grouped templates without scanning
// the full template map.  Mutation is confined to the Manager's lock, the
// same discipline the teacher applies to its own service map.
type sessionRegistry struct {
	bySession map[string]map[string]bool
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{bySession: make(map[string]map[string]bool)}
}

func (r *sessionRegistry) add(session, name string) {
	set, ok := r.bySession[session]
	if !ok {
		set = make(map[string]bool)
		r.bySession[session] = set
	}
	set[name] = true
}

func (r *sessionRegistry) remove(session, name string) {
	set, ok := r.bySession[session]
	if !ok {
		return
	}
	delete(set, name)
	if len(set) == 0 {
		delete(r.bySession, session)
	}
}

// sessions returns the known session ids, sorted for stable listings.
func (r *sessionRegistry) sessions() []string {
	rv := make([]string, 0, len(r.bySession))
	for s := range r.bySession {
		rv = append(rv, s)
	}
	sort.Strings(rv)
	return rv
}

// names returns the bare template names registered under session, sorted.
func (r *sessionRegistry) names(session string) []string {
	set := r.bySession[session]
	rv := make([]string, 0, len(set))
	for n := range set {
		rv = append(rv, n)
	}
	sort.Strings(rv)
	return rv
}
