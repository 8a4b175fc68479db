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
	"sync"
	"time"
)

// flapState mirrors the detector's position in the policy described by
// spec.md §4.3.
type flapState int

const (
	flapOK flapState = iota
	flapRetrying
	flapStopped
)

// flappingDetector is the per-template sliding-window crash-rate policy
// (spec.md §3 FlappingWindow, §4.3).  Grounded on the teacher's
// Service.tooQuickly rate limiter (service.go), generalized from a fixed
// ring buffer of start times into a pruned sliding window of exit times,
// and split into its own type per spec.md's component boundaries.
type flappingDetector struct {
	policy FlappingPolicy

	mu          sync.Mutex
	exitTimes   []time.Time
	state       flapState
	retryCount  int
	nextRetryAt time.Time
}

func newFlappingDetector(p FlappingPolicy) *flappingDetector {
	return &flappingDetector{policy: p}
}

func (f *flappingDetector) reset() {
	f.mu.Lock()
	f.exitTimes = nil
	f.state = flapOK
	f.retryCount = 0
	f.mu.Unlock()
}

func (f *flappingDetector) currentState() flapState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// prune drops exit timestamps that have aged out of the window.  Caller
// must hold f.mu.
func (f *flappingDetector) prune(now time.Time) {
	if f.policy.Window <= 0 {
		return
	}
	cut := now.Add(-f.policy.Window)
	i := 0
	for i < len(f.exitTimes) && f.exitTimes[i].Before(cut) {
		i++
	}
	if i > 0 {
		f.exitTimes = append([]time.Time{}, f.exitTimes[i:]...)
	}
}

// recordExit records an instance's termination.  uptime is how long the
// instance ran before exiting; unexpected reports whether the exit was
// not the result of an explicit Manager stop action (spec.md §4.3's
// definition).  It returns true the moment this exit causes a fresh
// trip into the retrying state.
func (f *flappingDetector) recordExit(unexpected bool, uptime time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.policy.Window > 0 && uptime >= f.policy.Window {
		f.exitTimes = nil
		f.state = flapOK
		f.retryCount = 0
		return false
	}
	if !unexpected {
		return false
	}
	now := time.Now()
	f.exitTimes = append(f.exitTimes, now)
	f.prune(now)

	if f.policy.Attempts <= 0 {
		return false
	}
	if f.state == flapOK && len(f.exitTimes) >= f.policy.Attempts {
		f.state = flapRetrying
		f.retryCount = 0
		f.nextRetryAt = now.Add(f.policy.RetryIn)
		return true
	}
	return false
}

// readyToSpawn reports whether the Manager may attempt a spawn right
// now.  When it is not, wake reports the time at which the caller should
// re-evaluate.  justStopped is true exactly once, on the transition into
// the permanently-stopped state, so the Manager can emit
// "stopped_flapping" precisely one time per trip cycle.
func (f *flappingDetector) readyToSpawn(now time.Time) (allow bool, justStopped bool, wake time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case flapOK:
		return true, false, time.Time{}
	case flapStopped:
		return false, false, time.Time{}
	default: // flapRetrying
		if now.Before(f.nextRetryAt) {
			return false, false, f.nextRetryAt
		}
		f.prune(now)
		if len(f.exitTimes) < f.policy.Attempts {
			f.state = flapOK
			f.retryCount = 0
			return true, false, time.Time{}
		}
		f.retryCount++
		if f.retryCount > f.policy.MaxRetry {
			f.state = flapStopped
			return false, true, time.Time{}
		}
		f.nextRetryAt = now.Add(f.policy.RetryIn)
		return false, false, f.nextRetryAt
	}
}
