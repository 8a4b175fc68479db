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
	"regexp"
	"time"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// FlappingPolicy holds the flapping settings attempts, window, retry_in
// and max_retry.  In JSON it decodes from an object with those keys, with
// window and retry_in as Go durations in nanoseconds; the four-element
// array form [attempts,window,retry_in,max_retry] is not accepted.
type FlappingPolicy struct {
	Attempts  int           `json:"attempts"`
	Window    time.Duration `json:"window"`
	RetryIn   time.Duration `json:"retry_in"`
	MaxRetry  int           `json:"max_retry"`
}

// TemplateSpec is the declarative, user-supplied description of a job.
// It is the value load/update operate on; ProcessTemplate wraps it with
// manager-owned runtime state.
type TemplateSpec struct {
	Name            string            `json:"name"`
	Cmd             string            `json:"cmd"`
	Args            []string          `json:"args"`
	Env             map[string]string `json:"env"`
	UID             string            `json:"uid"`
	GID             string            `json:"gid"`
	Cwd             string            `json:"cwd"`
	Detach          bool              `json:"detach"`
	Shell           bool              `json:"shell"`
	OSEnv           bool              `json:"os_env"`
	NumProcesses    int               `json:"numprocesses"`
	Priority        int               `json:"priority"`
	Flapping        FlappingPolicy    `json:"flapping"`
	RedirectOutput  []string          `json:"redirect_output"`
	RedirectInput   bool              `json:"redirect_input"`
	GracefulTimeout time.Duration     `json:"graceful_timeout"`
	CustomStreams   []string          `json:"custom_streams"`
	CustomChannels  []string          `json:"custom_channels"`
}

// validate checks a spec for structural correctness, defaulting fields
// spec.md §4.2 gives a default for.  It does not mutate the receiver.
func (s *TemplateSpec) validate() (TemplateSpec, error) {
	out := *s
	if !nameRe.MatchString(out.Name) {
		return out, newFieldErr("validate", "name", errBadName)
	}
	if out.NumProcesses < 0 {
		return out, newFieldErr("validate", "numprocesses", errNegative)
	}
	if len(out.RedirectOutput) > 2 {
		return out, newFieldErr("validate", "redirect_output", errTooManyStreams)
	}
	if out.GracefulTimeout < 0 {
		return out, newFieldErr("validate", "graceful_timeout", errNegative)
	}
	if out.GracefulTimeout == 0 {
		out.GracefulTimeout = 30 * time.Second
	}
	if out.Env == nil {
		out.Env = map[string]string{}
	}
	return out, nil
}

// mergeStderr reports whether redirect_output repeats a label, which is
// the signal (§4.2) to merge stderr into stdout rather than open a
// separate stream for it.
func (s *TemplateSpec) mergeStderr() bool {
	if len(s.RedirectOutput) != 2 {
		return false
	}
	return s.RedirectOutput[0] == s.RedirectOutput[1]
}

// outputLabels returns the built-in output labels ("stdout", plus
// "stderr" unless the stderr-merge signal above is set) followed by
// custom_streams.  Labels renamed through redirect_output are not
// reflected here.
func (s *TemplateSpec) outputLabels() []string {
	labels := []string{"stdout"}
	if !s.mergeStderr() {
		labels = append(labels, "stderr")
	}
	labels = append(labels, s.CustomStreams...)
	return labels
}

// materiallyDiffers reports whether updating from s to other requires
// respawning existing instances, per spec.md §4.1's explicit list:
// command, args, env, uid/gid, cwd, or stream declarations.
func (s *TemplateSpec) materiallyDiffers(other *TemplateSpec) bool {
	if s.Cmd != other.Cmd || s.Cwd != other.Cwd {
		return true
	}
	if s.UID != other.UID || s.GID != other.GID {
		return true
	}
	if s.Shell != other.Shell || s.Detach != other.Detach || s.OSEnv != other.OSEnv {
		return true
	}
	if !stringsEqual(s.Args, other.Args) {
		return true
	}
	if !mapsEqual(s.Env, other.Env) {
		return true
	}
	if !stringsEqual(s.RedirectOutput, other.RedirectOutput) {
		return true
	}
	if s.RedirectInput != other.RedirectInput {
		return true
	}
	if !stringsEqual(s.CustomStreams, other.CustomStreams) {
		return true
	}
	if !stringsEqual(s.CustomChannels, other.CustomChannels) {
		return true
	}
	return false
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// ProcessTemplate is the manager-owned runtime wrapper around a
// TemplateSpec: desired replica count, priority scheduling order,
// draining state, and the per-template flapping detector.
type ProcessTemplate struct {
	session     string
	spec        TemplateSpec
	seq         int64 // registration order, for stable priority-bucket ordering
	draining    bool
	paused      bool // desired-active state set by stop()/start()
	flapStopped bool // set once flapping.readyToSpawn reports justStopped; cleared by start/restart/scale(>0)
	flapping    *flappingDetector
	instances   map[int64]*ProcessInstance
	logger      *log.Logger
}

// QualifiedName returns "session.name", the user-visible identity of the
// template (spec.md §3).
func (t *ProcessTemplate) QualifiedName() string {
	return qualify(t.session, t.spec.Name)
}

func qualify(session, name string) string {
	return session + "." + name
}

// Spec returns a copy of the template's current spec.
func (t *ProcessTemplate) Spec() TemplateSpec {
	return t.spec
}

// running returns the count of instances currently in the RUNNING state.
func (t *ProcessTemplate) running() int {
	n := 0
	for _, in := range t.instances {
		if in.State() == StateRunning {
			n++
		}
	}
	return n
}

// pending returns instances not yet running or exited: PENDING/SPAWNING.
func (t *ProcessTemplate) pending() int {
	n := 0
	for _, in := range t.instances {
		switch in.State() {
		case StatePending, StateSpawning:
			n++
		}
	}
	return n
}
