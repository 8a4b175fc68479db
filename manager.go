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
	"fmt"
	"log"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Manager is the top-level registry and scheduler.  It owns every
// ProcessTemplate, drives the convergence loop that reconciles desired
// replica counts against reality, and is the sole place that mutates
// template/instance state — the same "one lock owns the graph" discipline
// the teacher applies to its Manager over the Service map (manager.go),
// generalized here from a static dependency graph to a dynamic pool of
// spawned instances.
type Manager struct {
	mu        sync.Mutex
	templates map[string]*ProcessTemplate
	sessions  *sessionRegistry
	nextPID   int64
	nextSeq   int64
	emitter   *EventEmitter
	multilog  *MultiLogger
	log       *Log

	serial   int64
	watchers map[*sync.Cond]bool

	wake     chan struct{}
	stopc    chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// NewManager constructs an idle Manager.  Call Run in its own goroutine
// (or as part of an ApplicationHost) to start the convergence loop.
func NewManager() *Manager {
	m := &Manager{
		templates: make(map[string]*ProcessTemplate),
		sessions:  newSessionRegistry(),
		emitter:   NewEventEmitter(),
		multilog:  NewMultiLogger(),
		log:       NewLog(),
		watchers:  make(map[*sync.Cond]bool),
		wake:      make(chan struct{}, 1),
		stopc:     make(chan struct{}),
	}
	m.multilog.AddLogger(log.New(m.log, "", log.LstdFlags))
	return m
}

// Events returns the manager's event bus, for subscribing to lifecycle,
// spawn/exit, stream, and stats events (spec.md §4.6).
func (m *Manager) Events() *EventEmitter { return m.emitter }

// AuditLog returns the manager's bounded activity log (spec.md's
// "log records ... suitable for use as an Etag in REST APIs").
func (m *Manager) AuditLog() *Log { return m.log }

// AddLogger registers an additional destination for the manager's console
// log, fanned out via MultiLogger the same way the teacher wires
// govisord's -o/-e flags to its Manager.
func (m *Manager) AddLogger(l *log.Logger) { m.multilog.AddLogger(l) }

func (m *Manager) bump() {
	m.serial++
	for cv := range m.watchers {
		cv.Broadcast()
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Serial returns the current change serial number, for long-poll clients
// (the X-Poll-Etag polls of .../state and .../numprocesses).
func (m *Manager) Serial() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serial
}

// WaitChanged blocks until the serial advances past last, or expire
// elapses, returning the (possibly unchanged) current serial.  This is
// the same condvar-broadcast long-poll mechanism as the teacher's
// Log.Watch, lifted here to cover the whole registry rather than one
// log.
func (m *Manager) WaitChanged(last int64, expire time.Duration) int64 {
	expired := false
	var timer *time.Timer
	cv := sync.NewCond(&m.mu)
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			m.mu.Lock()
			expired = true
			cv.Broadcast()
			m.mu.Unlock()
		})
	} else {
		expired = true
	}

	m.mu.Lock()
	m.watchers[cv] = true
	for m.serial == last && !expired {
		cv.Wait()
	}
	delete(m.watchers, cv)
	cur := m.serial
	m.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	return cur
}

// LoadTemplate registers a new template under session.  It fails with
// KindAlreadyExists if session.spec.Name is already registered.
func (m *Manager) LoadTemplate(session string, spec TemplateSpec) (string, error) {
	clean, err := spec.validate()
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	qname := qualify(session, clean.Name)
	if _, ok := m.templates[qname]; ok {
		return "", newErr("load", KindAlreadyExists, fmt.Errorf("%s already loaded", qname))
	}
	m.nextSeq++
	t := &ProcessTemplate{
		session:   session,
		spec:      clean,
		seq:       m.nextSeq,
		flapping:  newFlappingDetector(clean.Flapping),
		instances: make(map[int64]*ProcessInstance),
		logger:    m.multilog.Sub("[" + qname + "] "),
	}
	m.templates[qname] = t
	m.sessions.add(session, clean.Name)
	t.logger.Printf("loaded cmd=%q numprocesses=%d priority=%d", clean.Cmd, clean.NumProcesses, clean.Priority)
	m.emitter.Publish("create", LifecyclePayload{QualifiedName: qname})
	m.bump()
	return qname, nil
}

// UpdateTemplate replaces an existing template's spec.  If the new spec
// materially differs from the old one, every existing instance is
// drained and replaced; otherwise (e.g. only numprocesses or priority
// changed) existing instances are left running and the reconciler simply
// scales to the new count (spec.md §4.1).
func (m *Manager) UpdateTemplate(qname string, spec TemplateSpec) error {
	clean, err := spec.validate()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.templates[qname]
	if !ok {
		return newErr("update", KindNotFound, fmt.Errorf("%s not loaded", qname))
	}
	old := t.spec
	t.spec = clean
	if old.materiallyDiffers(&clean) {
		t.logger.Print("spec changed materially, respawning")
		t.flapping.reset()
		for _, in := range t.instances {
			go m.requestStopInstance(t, in)
		}
	}
	m.emitter.Publish("update", LifecyclePayload{QualifiedName: qname})
	m.bump()
	return nil
}

// UnloadTemplate stops every instance of the template and removes it from
// the registry.  Instances are stopped asynchronously; the template
// itself is removed once none remain, via the reconciler's cleanup pass.
func (m *Manager) UnloadTemplate(qname string) error {
	m.mu.Lock()
	t, ok := m.templates[qname]
	if !ok {
		m.mu.Unlock()
		return newErr("unload", KindNotFound, fmt.Errorf("%s not loaded", qname))
	}
	t.draining = true
	instances := instanceSlice(t.instances)
	t.logger.Print("unloading")
	m.mu.Unlock()

	for _, in := range instances {
		m.requestStopInstance(t, in)
	}
	m.emitter.Publish("delete", LifecyclePayload{QualifiedName: qname})
	m.mu.Lock()
	m.bump()
	m.mu.Unlock()
	return nil
}

// Start clears a template's paused flag, allowing the reconciler to spawn
// instances up to numprocesses.
func (m *Manager) Start(qname string) error {
	return m.setPaused(qname, false, "start")
}

// Stop drains a template to zero running instances without unloading it.
func (m *Manager) Stop(qname string) error {
	return m.setPaused(qname, true, "stop")
}

func (m *Manager) setPaused(qname string, paused bool, topic string) error {
	m.mu.Lock()
	t, ok := m.templates[qname]
	if !ok {
		m.mu.Unlock()
		return newErr(topic, KindNotFound, fmt.Errorf("%s not loaded", qname))
	}
	t.paused = paused
	if !paused {
		t.flapping.reset()
		t.flapStopped = false
	}
	instances := instanceSlice(t.instances)
	t.logger.Printf("%s", topic)
	m.mu.Unlock()

	if paused {
		for _, in := range instances {
			m.requestStopInstance(t, in)
		}
	}
	m.emitter.Publish(topic, LifecyclePayload{QualifiedName: qname})
	m.mu.Lock()
	m.bump()
	m.mu.Unlock()
	return nil
}

// Restart stops and, once the reconciler notices the drop, respawns every
// instance of the template.
func (m *Manager) Restart(qname string) error {
	m.mu.Lock()
	t, ok := m.templates[qname]
	if !ok {
		m.mu.Unlock()
		return newErr("restart", KindNotFound, fmt.Errorf("%s not loaded", qname))
	}
	t.flapping.reset()
	t.flapStopped = false
	instances := instanceSlice(t.instances)
	t.logger.Print("restart")
	m.mu.Unlock()

	for _, in := range instances {
		m.requestStopInstance(t, in)
	}
	m.emitter.Publish("restart", LifecyclePayload{QualifiedName: qname})
	m.mu.Lock()
	m.bump()
	m.mu.Unlock()
	return nil
}

// Scale sets a template's desired replica count directly, per spec.md
// §6's numprocesses endpoint, without requiring a full spec update.
func (m *Manager) Scale(qname string, n int) error {
	if n < 0 {
		return newFieldErr("scale", "numprocesses", errNegative)
	}
	m.mu.Lock()
	t, ok := m.templates[qname]
	if !ok {
		m.mu.Unlock()
		return newErr("scale", KindNotFound, fmt.Errorf("%s not loaded", qname))
	}
	t.spec.NumProcesses = n
	if n > 0 {
		t.flapping.reset()
		t.flapStopped = false
	}
	t.logger.Printf("scale to %d", n)
	m.mu.Unlock()

	m.emitter.Publish("scale", LifecyclePayload{QualifiedName: qname})
	m.mu.Lock()
	m.bump()
	m.mu.Unlock()
	return nil
}

// Signal delivers sig to every running instance of the named template.
func (m *Manager) Signal(qname string, sig syscall.Signal) error {
	m.mu.Lock()
	t, ok := m.templates[qname]
	if !ok {
		m.mu.Unlock()
		return newErr("signal", KindNotFound, fmt.Errorf("%s not loaded", qname))
	}
	instances := instanceSlice(t.instances)
	m.mu.Unlock()

	for _, in := range instances {
		in.signal(sig)
	}
	return nil
}

// Monitor subscribes listener to stats events for every instance of
// qname, present and future (spec.md §4.1's "subscribe to stat events
// for all instances under qname"). It works by subscribing to the
// per-template "proc.<name>.stats" topic every instance's statSampler
// publishes on, the same fan-out convention spawn/exit already use, so
// no per-pid bookkeeping is needed as instances come and go under the
// template.
func (m *Manager) Monitor(qname string, listener func(Event)) (*Subscription, error) {
	m.mu.Lock()
	t, ok := m.templates[qname]
	m.mu.Unlock()
	if !ok {
		return nil, newErr("monitor", KindNotFound, fmt.Errorf("%s not loaded", qname))
	}
	pattern := fmt.Sprintf("proc.%s.stats", t.spec.Name)
	sub := m.emitter.Subscribe(pattern, SubscriberFunc(listener), SubscribeOptions{Capacity: 64})
	return sub, nil
}

// Unmonitor cancels a subscription returned by Monitor.
func (m *Manager) Unmonitor(sub *Subscription) {
	sub.Unsubscribe()
}

// Commit spawns a single unsupervised, one-off instance of spec: it is
// not counted against numprocesses, is not restarted on exit, and is not
// retained in the template registry (spec.md §6's /commit operation).
func (m *Manager) Commit(session string, spec TemplateSpec) (*ProcessInstance, error) {
	clean, err := spec.validate()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.nextPID++
	pid := m.nextPID
	qname := qualify(session, clean.Name)
	m.mu.Unlock()

	ilog := m.multilog.Sub(fmt.Sprintf("[%s#%d] ", qname, pid))
	in := newProcessInstance(pid, qname, clean.Name, clean, false, m.emitter, ilog)
	if err := in.spawn(); err != nil {
		return nil, newErr("commit", KindSpawnError, err)
	}
	return in, nil
}

// GetTemplate returns a snapshot of one template's spec and identity.
func (m *Manager) GetTemplate(qname string) (TemplateSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[qname]
	if !ok {
		return TemplateSpec{}, false
	}
	return t.Spec(), true
}

// ListTemplates returns every registered qualified name, sorted.
func (m *Manager) ListTemplates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rv := make([]string, 0, len(m.templates))
	for q := range m.templates {
		rv = append(rv, q)
	}
	sort.Strings(rv)
	return rv
}

// Sessions returns every known session id, sorted.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions.sessions()
}

// SessionTemplates returns the qualified names loaded under session.
func (m *Manager) SessionTemplates(session string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := m.sessions.names(session)
	for i, n := range names {
		names[i] = qualify(session, n)
	}
	return names
}

// ListInstances returns the pids of every instance of a template, sorted
// ascending.
func (m *Manager) ListInstances(qname string) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[qname]
	if !ok {
		return nil
	}
	rv := make([]int64, 0, len(t.instances))
	for pid := range t.instances {
		rv = append(rv, pid)
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i] < rv[j] })
	return rv
}

// IsPaused reports a template's desired-active flag, for the `GET
// .../state` route's 0|1 readback.  A template that has tripped the
// flapping detector into its permanently-stopped state reads as paused
// too (spec.md §8 scenario 4: "stopped_flapping fires; GET .../state
// returns 0"), until Start/Restart/Scale(>0) clears it.
func (m *Manager) IsPaused(qname string) (paused bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[qname]
	if !ok {
		return false, false
	}
	return t.paused || t.flapStopped, true
}

// GetInstance looks up one instance by pid, searching every template.
func (m *Manager) GetInstance(pid int64) (*ProcessInstance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.templates {
		if in, ok := t.instances[pid]; ok {
			return in, true
		}
	}
	return nil, false
}

func instanceSlice(m map[int64]*ProcessInstance) []*ProcessInstance {
	rv := make([]*ProcessInstance, 0, len(m))
	for _, in := range m {
		rv = append(rv, in)
	}
	return rv
}

func (m *Manager) requestStopInstance(t *ProcessTemplate, in *ProcessInstance) {
	in.requestStop()
}

// Run drives the convergence loop until Shutdown is called.  It scans
// every template in priority order (lower priority value first,
// registration order breaking ties, mirroring the teacher's
// dependency-ordered start sequence in manager.go) and reconciles desired
// vs. actual replica count: spawning new instances up to numprocesses, or
// stopping the most-recently-started ones first (LIFO) when scaling down.
func (m *Manager) Run() {
	m.wg.Add(1)
	defer m.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.reconcile()
		select {
		case <-m.stopc:
			return
		case <-m.wake:
		case <-ticker.C:
		}
	}
}

// Shutdown stops the convergence loop and every currently running
// instance, waiting up to grace for graceful exits before returning.
// Instances are stopped in priority-reversed order (highest priority
// value first) — spec.md §4.1's "shutdown reverses [the startup] order" —
// so templates started last are asked to stop first.
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	ordered := templatesByPriority(m.templates)
	var all []*ProcessInstance
	for i := len(ordered) - 1; i >= 0; i-- {
		all = append(all, instanceSlice(ordered[i].instances)...)
	}
	m.mu.Unlock()

	close(m.stopc)
	m.wg.Wait()

	for _, in := range all {
		in.requestStop()
	}
	deadline := time.After(grace)
	for _, in := range all {
		done := make(chan struct{})
		go func(in *ProcessInstance) {
			in.waiter.Wait()
			close(done)
		}(in)
		select {
		case <-done:
		case <-deadline:
		}
	}
}

func templatesByPriority(templates map[string]*ProcessTemplate) []*ProcessTemplate {
	rv := make([]*ProcessTemplate, 0, len(templates))
	for _, t := range templates {
		rv = append(rv, t)
	}
	sort.Slice(rv, func(i, j int) bool {
		if rv[i].spec.Priority != rv[j].spec.Priority {
			return rv[i].spec.Priority < rv[j].spec.Priority
		}
		return rv[i].seq < rv[j].seq
	})
	return rv
}

func (m *Manager) reconcile() {
	m.mu.Lock()
	ordered := templatesByPriority(m.templates)
	var toRemove []string
	type spawnJob struct {
		t   *ProcessTemplate
		pid int64
	}
	var spawns []spawnJob
	var stoppedFlapping []*ProcessTemplate

	for _, t := range ordered {
		// prune exited instances; their exits were already recorded for
		// flapping by instanceExitHandler.
		for pid, in := range t.instances {
			if in.State() == StateExited || in.State() == StateSpawnFailed {
				delete(t.instances, pid)
			}
		}
		if t.draining {
			if len(t.instances) == 0 {
				toRemove = append(toRemove, t.QualifiedName())
			}
			continue
		}
		want := t.spec.NumProcesses
		if t.paused || t.flapStopped {
			want = 0
		}
		have := t.running() + t.pending()

		if have > want {
			victims := instanceSlice(t.instances)
			sort.Slice(victims, func(i, j int) bool { return victims[i].pid > victims[j].pid })
			for i := 0; i < have-want && i < len(victims); i++ {
				go m.requestStopInstance(t, victims[i])
			}
		} else if have < want {
			allow, justStopped, _ := t.flapping.readyToSpawn(time.Now())
			if justStopped {
				t.flapStopped = true
				t.logger.Print("stopped flapping: retry budget exhausted")
				stoppedFlapping = append(stoppedFlapping, t)
			}
			if allow {
				for i := 0; i < want-have; i++ {
					m.nextPID++
					pid := m.nextPID
					ilog := m.multilog.Sub(fmt.Sprintf("[%s#%d] ", t.QualifiedName(), pid))
					in := newProcessInstance(pid, t.QualifiedName(), t.spec.Name, t.spec, true, m.emitter, ilog)
					in.onExit = m.instanceExitHandler(t)
					t.instances[pid] = in
					spawns = append(spawns, spawnJob{t: t, pid: pid})
				}
			}
		}
	}
	for _, q := range toRemove {
		t := m.templates[q]
		delete(m.templates, q)
		m.sessions.remove(t.session, t.spec.Name)
	}
	m.mu.Unlock()

	for _, job := range spawns {
		m.mu.Lock()
		in, ok := job.t.instances[job.pid]
		m.mu.Unlock()
		if ok {
			in.spawn()
		}
	}
	for _, t := range stoppedFlapping {
		qname := t.QualifiedName()
		m.emitter.Publish("stopped_flapping", LifecyclePayload{QualifiedName: qname})
		m.emitter.Publish(fmt.Sprintf("proc.%s.stopped_flapping", t.spec.Name), LifecyclePayload{QualifiedName: qname})
	}
	if len(toRemove) > 0 || len(spawns) > 0 || len(stoppedFlapping) > 0 {
		m.mu.Lock()
		m.bump()
		m.mu.Unlock()
	}
}

// instanceExitHandler returns the onExit callback wired into every
// instance spawned for t: it records the exit in the template's
// flapping detector and emits "flapping" the moment a fresh trip begins.
// The detector's own readyToSpawn gate (consulted by reconcile) is what
// actually withholds respawns and later emits "stopped_flapping" once
// the retry budget is exhausted.
func (m *Manager) instanceExitHandler(t *ProcessTemplate) func(*ProcessInstance, bool) {
	return func(in *ProcessInstance, unexpected bool) {
		tripped := t.flapping.recordExit(unexpected, in.uptime())
		qname := t.QualifiedName()
		if tripped {
			m.emitter.Publish("flapping", LifecyclePayload{QualifiedName: qname})
			m.emitter.Publish(fmt.Sprintf("proc.%s.flapping", t.spec.Name), LifecyclePayload{QualifiedName: qname})
		}
		m.mu.Lock()
		m.bump()
		m.mu.Unlock()
	}
}
