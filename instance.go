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
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// InstanceState is a position in the state machine of spec.md §4.4.
type InstanceState int

const (
	StatePending InstanceState = iota
	StateSpawning
	StateRunning
	StateTerminating
	StateExited
	StateSpawnFailed
)

func (s InstanceState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateExited:
		return "exited"
	case StateSpawnFailed:
		return "spawn_failed"
	default:
		return "unknown"
	}
}

// ExitInfo is populated once an instance reaches a terminal state.
type ExitInfo struct {
	ExitStatus int
	TermSignal int
	Reaped     Reaped
}

// ForcedKillGrace bounds how long the Manager waits after a hard kill
// signal before giving up and releasing the instance regardless
// (spec.md §8's "no instance remains in TERMINATING longer than
// graceful_timeout + forced_kill_grace").
const ForcedKillGrace = 5 * time.Second

// ProcessInstance is a single supervised (or, for commit(), unsupervised)
// child process and its state machine.  The OS-level mechanics — pipe
// wiring, line logging alongside chunked stream publication, SIGTERM
// then escalate-to-SIGKILL shutdown — are adapted from the teacher's
// Process type (process.go): Start/Stop/shutdown/kill/doLog/doWait,
// generalized from "one process per Service" to "one of many Instances
// per Template".
type ProcessInstance struct {
	pid        int64
	osName     string // template qualified name, for log prefixes and payload Name fields
	shortName  string // unqualified template name, for proc.<name>.* topics per spec.md §6
	supervised bool
	createdAt  time.Time
	spec       TemplateSpec
	emitter    *EventEmitter
	logger     *log.Logger
	stream     *StreamMux
	onExit     func(*ProcessInstance, bool)

	mu            sync.Mutex
	state         InstanceState
	osPID         int
	cmd           *exec.Cmd
	startedAt     time.Time
	stopRequested bool
	killSent      bool
	exit          *ExitInfo
	spawnErr      error
	waiter        sync.WaitGroup
	graceTimer    *time.Timer
	forceTimer    *time.Timer
	sampler       *statSampler
}

func newProcessInstance(pid int64, qname, shortName string, spec TemplateSpec, supervised bool, emitter *EventEmitter, logger *log.Logger) *ProcessInstance {
	return &ProcessInstance{
		pid:        pid,
		osName:     qname,
		shortName:  shortName,
		spec:       spec,
		supervised: supervised,
		createdAt:  time.Now(),
		emitter:    emitter,
		logger:     logger,
		stream:     NewStreamMux(pid, emitter),
		state:      StatePending,
	}
}

// PID returns the manager-internal monotonic identifier.
func (in *ProcessInstance) PID() int64 { return in.pid }

// State returns the current lifecycle state.
func (in *ProcessInstance) State() InstanceState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// OSPID returns the backing operating system pid, or 0 before spawn.
func (in *ProcessInstance) OSPID() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.osPID
}

// ExitInfo returns the terminal status, if any.
func (in *ProcessInstance) ExitInfo() *ExitInfo {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.exit
}

// Stream exposes the instance's stdio multiplexer.
func (in *ProcessInstance) Stream() *StreamMux { return in.stream }

// QualifiedName returns the owning template's "session.name" identity.
func (in *ProcessInstance) QualifiedName() string { return in.osName }

// SampleStats takes a single, ungated resource sample for one-shot
// callers such as the HTTP `GET /<pid>/stats` route (spec.md §6), as
// opposed to the subscription-gated periodic sampler in stats.go.
func (in *ProcessInstance) SampleStats() (StatsPayload, error) {
	st, err := sampleProcess(in.OSPID())
	if err != nil {
		return StatsPayload{}, err
	}
	st.PID = in.pid
	return st, nil
}

func resolveEnv(spec *TemplateSpec) map[string]string {
	env := map[string]string{}
	if spec.OSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				env[kv[:i]] = kv[i+1:]
			}
		}
	}
	for k, v := range spec.Env {
		env[k] = v
	}
	return env
}

func envSlice(env map[string]string) []string {
	rv := make([]string, 0, len(env))
	for k, v := range env {
		rv = append(rv, k+"="+v)
	}
	return rv
}

// expandVars substitutes $VAR and ${VAR} references against env.  It is
// a small non-shell-invoking expander: SPEC_FULL.md §4.2 keeps "shell"
// as an explicit template flag that controls whether the command is
// exec'd directly or handed to /bin/sh -c, so this expander never itself
// invokes a shell.
func expandVars(s string, env map[string]string) string {
	return os.Expand(s, func(name string) string { return env[name] })
}

func lookupUID(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(n), nil
	}
	return 0, fmt.Errorf("uid lookup by name not supported: %q", s)
}

func lookupGID(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(n), nil
	}
	return 0, fmt.Errorf("gid lookup by name not supported: %q", s)
}

// spawn transitions PENDING -> SPAWNING -> RUNNING, or -> SPAWN_FAILED on
// exec error.  It returns the same error it recorded on failure.
func (in *ProcessInstance) spawn() error {
	in.mu.Lock()
	if in.state != StatePending {
		in.mu.Unlock()
		return newErr("spawn", KindInvalidState, nil)
	}
	in.state = StateSpawning
	in.mu.Unlock()

	env := resolveEnv(&in.spec)
	name := expandVars(in.spec.Cmd, env)
	args := make([]string, len(in.spec.Args))
	for i, a := range in.spec.Args {
		args[i] = expandVars(a, env)
	}

	var cmd *exec.Cmd
	if in.spec.Shell {
		full := append([]string{name}, args...)
		cmd = exec.Command("/bin/sh", "-c", strings.Join(full, " "))
	} else {
		cmd = exec.Command(name, args...)
	}
	cmd.Dir = in.spec.Cwd
	cmd.Env = envSlice(env)

	attr := &syscall.SysProcAttr{}
	if in.spec.Detach {
		attr.Setsid = true
	}
	if in.spec.UID != "" || in.spec.GID != "" {
		uid, uerr := lookupUID(in.spec.UID)
		gid, gerr := lookupGID(in.spec.GID)
		if uerr == nil && gerr == nil {
			attr.Credential = &syscall.Credential{Uid: uid, Gid: gid}
		}
	}
	cmd.SysProcAttr = attr

	if in.spec.RedirectInput {
		stdin, err := cmd.StdinPipe()
		if err == nil {
			in.stream.EnableInput(stdin, 256)
		}
	}

	labels := in.spec.outputLabels()
	stdoutLabel := "stdout"
	stderrLabel := "stderr"
	if len(labels) > 0 {
		stdoutLabel = labels[0]
	}
	if in.spec.mergeStderr() && len(in.spec.RedirectOutput) > 0 {
		stdoutLabel = in.spec.RedirectOutput[0]
	}
	if len(in.spec.RedirectOutput) == 2 && !in.spec.mergeStderr() {
		stdoutLabel = in.spec.RedirectOutput[0]
		stderrLabel = in.spec.RedirectOutput[1]
	}

	stdout, _ := cmd.StdoutPipe()
	var stderr io.ReadCloser
	if in.spec.mergeStderr() {
		cmd.Stderr = cmd.Stdout
	} else {
		stderr, _ = cmd.StderrPipe()
	}

	if err := cmd.Start(); err != nil {
		in.mu.Lock()
		in.state = StateSpawnFailed
		in.spawnErr = err
		in.mu.Unlock()
		in.emitter.Publish("spawn_error", SpawnErrorPayload{PID: in.pid, Name: in.osName, Err: err.Error()})
		in.emitter.Publish(fmt.Sprintf("proc.%s.spawn_error", in.shortName), SpawnErrorPayload{PID: in.pid, Name: in.osName, Err: err.Error()})
		return err
	}

	in.mu.Lock()
	in.cmd = cmd
	in.osPID = cmd.Process.Pid
	in.startedAt = time.Now()
	in.state = StateRunning
	in.mu.Unlock()

	if stdout != nil {
		go in.stream.Output(stdoutLabel).pump(stdout, in.logLineSink("stdout> "))
	}
	if stderr != nil {
		go in.stream.Output(stderrLabel).pump(stderr, in.logLineSink("stderr> "))
	}

	in.sampler = newStatSampler(in.pid, in.osPID, in.emitter, 100*time.Millisecond, in.shortName)
	in.sampler.start()

	in.waiter.Add(1)
	go in.doWait()

	in.emitter.Publish("spawn", SpawnPayload{PID: in.pid, OSPID: in.osPID, Name: in.osName})
	in.emitter.Publish(fmt.Sprintf("proc.%s.spawn", in.shortName), SpawnPayload{PID: in.pid, OSPID: in.osPID, Name: in.osName})
	return nil
}

// logLineSink returns a chunk sink that re-splits raw bytes into lines
// for the console logger, the same behavior as the teacher's doLog.
func (in *ProcessInstance) logLineSink(prefix string) func([]byte) {
	pr, pw := io.Pipe()
	go func() {
		r := bufio.NewReader(pr)
		for {
			line, err := r.ReadString('\n')
			if len(line) != 0 {
				in.logger.Print(prefix, strings.TrimRight(line, "\n"))
			}
			if err != nil {
				return
			}
		}
	}()
	return func(b []byte) {
		pw.Write(b)
	}
}

// requestStop begins a graceful shutdown: RUNNING -> TERMINATING, SIGTERM
// sent, a timer armed for graceful_timeout after which a hard kill is
// escalated to.  A second call while already TERMINATING returns without
// touching the armed timer (spec.md §5's idempotent-cancellation rule),
// so it never extends it.
func (in *ProcessInstance) requestStop() {
	in.mu.Lock()
	if in.state != StateRunning && in.state != StateTerminating {
		in.mu.Unlock()
		return
	}
	alreadyTerminating := in.state == StateTerminating
	in.stopRequested = true
	if alreadyTerminating {
		in.mu.Unlock()
		return
	}
	in.state = StateTerminating
	proc := in.cmd.Process
	gt := in.spec.GracefulTimeout
	in.mu.Unlock()

	if proc != nil {
		proc.Signal(syscall.SIGTERM)
	}
	if gt <= 0 {
		gt = 30 * time.Second
	}
	in.mu.Lock()
	in.graceTimer = time.AfterFunc(gt, in.escalate)
	in.mu.Unlock()
}

// escalate is the graceful_timeout expiry handler: send SIGKILL and
// bound the wait with ForcedKillGrace.
func (in *ProcessInstance) escalate() {
	in.mu.Lock()
	if in.state != StateTerminating || in.killSent {
		in.mu.Unlock()
		return
	}
	in.killSent = true
	proc := in.cmd.Process
	in.mu.Unlock()
	if proc != nil {
		proc.Kill()
	}
	in.mu.Lock()
	in.forceTimer = time.AfterFunc(ForcedKillGrace, in.forceRelease)
	in.mu.Unlock()
}

// forceRelease is the last-resort backstop: if the OS still hasn't
// reaped the child ForcedKillGrace after SIGKILL, mark it exited anyway
// so the instance cannot linger past the bound spec.md §8 requires.
func (in *ProcessInstance) forceRelease() {
	in.mu.Lock()
	if in.state == StateExited {
		in.mu.Unlock()
		return
	}
	in.mu.Unlock()
	in.finish(&ExitInfo{ExitStatus: -1, TermSignal: int(syscall.SIGKILL), Reaped: ReapedForced})
}

// RequestStop begins (or is a no-op after) the graceful shutdown
// sequence described on requestStop. Exported for transports such as
// httpapi that act on an instance directly rather than through the
// Manager.
func (in *ProcessInstance) RequestStop() { in.requestStop() }

// Signal delivers sig to the OS process; a no-op for terminated
// instances. Exported alias of signal for transports outside this
// package.
func (in *ProcessInstance) Signal(sig syscall.Signal) error { return in.signal(sig) }

// signal delivers sig to the OS process; a no-op for terminated
// instances.
func (in *ProcessInstance) signal(sig syscall.Signal) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.cmd == nil || in.cmd.Process == nil || in.state == StateExited || in.state == StateSpawnFailed {
		return nil
	}
	return in.cmd.Process.Signal(sig)
}

func (in *ProcessInstance) doWait() {
	defer in.waiter.Done()
	err := in.cmd.Wait()

	in.mu.Lock()
	reaped := ReapedNormal
	if in.killSent {
		reaped = ReapedForced
	} else if in.state == StateTerminating {
		reaped = ReapedGraceful
	}
	status, sig := exitStatusOf(err, in.cmd)
	in.mu.Unlock()

	in.finish(&ExitInfo{ExitStatus: status, TermSignal: sig, Reaped: reaped})
}

func (in *ProcessInstance) finish(info *ExitInfo) {
	in.mu.Lock()
	if in.state == StateExited {
		in.mu.Unlock()
		return
	}
	in.state = StateExited
	in.exit = info
	stopRequested := in.stopRequested
	if in.graceTimer != nil {
		in.graceTimer.Stop()
	}
	if in.forceTimer != nil {
		in.forceTimer.Stop()
	}
	in.mu.Unlock()

	if in.sampler != nil {
		in.sampler.close()
	}
	in.stream.Close()

	in.emitter.Publish("exit", ExitPayload{PID: in.pid, Name: in.osName, ExitStatus: info.ExitStatus, TermSignal: info.TermSignal, Reaped: info.Reaped})
	in.emitter.Publish(fmt.Sprintf("proc.%s.exit", in.shortName), ExitPayload{PID: in.pid, Name: in.osName, ExitStatus: info.ExitStatus, TermSignal: info.TermSignal, Reaped: info.Reaped})
	in.emitter.Publish("reap", ExitPayload{PID: in.pid, Name: in.osName, ExitStatus: info.ExitStatus, TermSignal: info.TermSignal, Reaped: info.Reaped})
	in.emitter.Publish(fmt.Sprintf("proc.%s.reap", in.shortName), ExitPayload{PID: in.pid, Name: in.osName, ExitStatus: info.ExitStatus, TermSignal: info.TermSignal, Reaped: info.Reaped})

	// unexpected iff no explicit Manager action requested termination
	// (spec.md §4.3's definition, resolved per DESIGN.md for the
	// forced-kill edge case).
	unexpected := !stopRequested
	if in.onExit != nil {
		in.onExit(in, unexpected)
	}
}

// uptime returns how long the instance ran before exiting (or, while
// still running, how long it has run so far).
func (in *ProcessInstance) uptime() time.Duration {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.startedAt.IsZero() {
		return 0
	}
	return time.Since(in.startedAt)
}

func exitStatusOf(err error, cmd *exec.Cmd) (status int, sig int) {
	if cmd.ProcessState == nil {
		return -1, 0
	}
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		if err == nil {
			return 0, 0
		}
		return -1, 0
	}
	if ws.Signaled() {
		return -1, int(ws.Signal())
	}
	return ws.ExitStatus(), 0
}
