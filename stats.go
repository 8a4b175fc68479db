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
	"sync"
	"time"
)

// statSampler periodically publishes StatsPayload for one instance while
// there is a subscriber listening, per spec.md §4.4's gating rule.  The
// actual OS sampling is delegated to sampleProcess, implemented per
// platform (stats_linux.go has a real /proc reader; stats_other.go is
// the portable fallback, mirroring the teacher's own
// "+build darwin dragonfly freebsd linux ..." split in process_test.go).
type statSampler struct {
	pid           int64
	osPID         int
	emitter       *EventEmitter
	topic         string
	templateTopic string
	period        time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	lastCPUTime float64
	lastSampled time.Time
}

// newStatSampler builds a sampler for one instance.  Besides the
// per-pid "stats.<pid>" topic every instance publishes on, it also
// publishes under "proc.<shortName>.stats" — the same per-template
// fan-out convention spawn/exit already use — so Manager.Monitor can
// subscribe once to a qname and see every instance's samples as they
// come and go, without tracking individual pids itself.
func newStatSampler(pid int64, osPID int, emitter *EventEmitter, period time.Duration, shortName string) *statSampler {
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	return &statSampler{
		pid:           pid,
		osPID:         osPID,
		emitter:       emitter,
		topic:         fmt.Sprintf("stats.%d", pid),
		templateTopic: fmt.Sprintf("proc.%s.stats", shortName),
		period:        period,
		stop:          make(chan struct{}),
	}
}

func (s *statSampler) start() {
	s.wg.Add(1)
	go s.run()
}

func (s *statSampler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.emitter.HasSubscribers(s.topic) && !s.emitter.HasSubscribers(s.templateTopic) {
				continue
			}
			st, err := sampleProcess(s.osPID)
			if err != nil {
				continue
			}
			now := time.Now()
			if !s.lastSampled.IsZero() {
				wall := now.Sub(s.lastSampled).Seconds()
				if wall > 0 {
					st.CPUPercent = 100 * (st.CPUTime - s.lastCPUTime) / wall
				}
			}
			s.lastCPUTime = st.CPUTime
			s.lastSampled = now
			st.PID = s.pid
			s.emitter.Publish(s.topic, st)
			s.emitter.Publish(s.templateTopic, st)
		}
	}
}

func (s *statSampler) close() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}
