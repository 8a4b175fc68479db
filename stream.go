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
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultRingSize is the default per-stream backlog capacity (spec.md §4.5).
const DefaultRingSize = 64 * 1024

// ErrWouldBlock is returned by a non-blocking stdin write when the input
// queue is full (spec.md §4.5's "caller's choice at the API boundary").
var ErrWouldBlock = errors.New("write would block")

// StreamMux is the per-instance stdio fan-out/fan-in component.  One
// outputStream exists per declared output label (stdout, stderr unless
// merged, and any custom_streams); at most one inputStream exists, when
// the template enables redirect_input.
//
// The bounded-ring idea is borrowed from the teacher's log.Log (log.go),
// applied here to raw byte chunks instead of line records; the backlog
// ring is a plain byte slice under a mutex, with no serial and no
// condition variable — see SPEC_FULL.md §4.5.
type StreamMux struct {
	pid     int64
	emitter *EventEmitter

	mu      sync.Mutex
	outputs map[string]*outputStream
	input   *inputStream
}

// NewStreamMux creates a mux publishing under topic stream.<pid>.<label>.
func NewStreamMux(pid int64, emitter *EventEmitter) *StreamMux {
	return &StreamMux{
		pid:     pid,
		emitter: emitter,
		outputs: make(map[string]*outputStream),
	}
}

// Output returns (creating if necessary) the named output stream.
func (m *StreamMux) Output(label string) *outputStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outputs[label]
	if !ok {
		o = &outputStream{
			label:   label,
			pid:     m.pid,
			emitter: m.emitter,
			topic:   fmt.Sprintf("stream.%d.%s", m.pid, label),
			ringCap: DefaultRingSize,
		}
		m.outputs[label] = o
	}
	return o
}

// EnableInput wires w (the process's stdin pipe) as the destination for
// fan-in writes, with a bounded queue of capacity writes.
func (m *StreamMux) EnableInput(w io.Writer, capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.input = newInputStream(w, capacity)
}

// Write fans a chunk of caller data into the process's stdin.  If block
// is false and the input queue is full, ErrWouldBlock is returned
// instead of waiting.
func (m *StreamMux) Write(p []byte, block bool) error {
	m.mu.Lock()
	in := m.input
	m.mu.Unlock()
	if in == nil {
		return &Error{Op: "stream.write", Kind: KindInvalidState, Err: errors.New("input not enabled")}
	}
	return in.Write(p, block)
}

// Close tears down the input writer goroutine, if any, after it has
// written the chunks already queued.  Output streams
// need no explicit close: their readers exit when the pipe reaches EOF.
func (m *StreamMux) Close() {
	m.mu.Lock()
	in := m.input
	m.mu.Unlock()
	if in != nil {
		in.Close()
	}
}

// outputStream fans one labeled pipe out to the EventEmitter and a
// bounded backlog ring.
type outputStream struct {
	label   string
	pid     int64
	emitter *EventEmitter
	topic   string

	mu      sync.Mutex
	ring    []byte
	ringCap int
}

// pump reads r until EOF/error, publishing each chunk with its original
// boundaries preserved and appending it to the backlog ring.  It also
// forwards every chunk to sink (typically the instance's line-oriented
// console logger), so the same bytes serve both destinations without
// requiring the pipe to be read twice.
func (o *outputStream) pump(r io.Reader, sink func([]byte)) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte{}, buf[:n]...)
			o.append(chunk)
			o.emitter.Publish(o.topic, StreamPayload{Data: chunk, Label: o.label, PID: o.pid})
			if sink != nil {
				sink(chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

func (o *outputStream) append(chunk []byte) {
	o.mu.Lock()
	o.ring = append(o.ring, chunk...)
	if len(o.ring) > o.ringCap {
		o.ring = append([]byte{}, o.ring[len(o.ring)-o.ringCap:]...)
	}
	o.mu.Unlock()
}

// Backlog returns a copy of the retained bytes, for a subscriber that
// opted into backlog replay.
func (o *outputStream) Backlog() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]byte{}, o.ring...)
}

// Topic returns the EventEmitter topic this stream publishes on.
func (o *outputStream) Topic() string { return o.topic }

// inputStream serializes concurrent producer writes onto a single
// destination writer so that no two write calls interleave.
type inputStream struct {
	queue chan []byte
	done  chan struct{}
}

func newInputStream(w io.Writer, capacity int) *inputStream {
	if capacity <= 0 {
		capacity = 256
	}
	in := &inputStream{
		queue: make(chan []byte, capacity),
		done:  make(chan struct{}),
	}
	go in.run(w)
	return in
}

func (in *inputStream) run(w io.Writer) {
	for {
		select {
		case b, ok := <-in.queue:
			if !ok {
				return
			}
			w.Write(b)
		case <-in.done:
			// Deliver writes that were already accepted before exiting.
			for {
				select {
				case b := <-in.queue:
					w.Write(b)
				default:
					return
				}
			}
		}
	}
}

// Write enqueues p for serialized delivery.  With block set, it waits
// for room; otherwise a full queue yields ErrWouldBlock immediately.
func (in *inputStream) Write(p []byte, block bool) error {
	b := append([]byte{}, p...)
	if block {
		select {
		case in.queue <- b:
			return nil
		case <-in.done:
			return &Error{Op: "stream.write", Kind: KindInvalidState}
		}
	}
	select {
	case in.queue <- b:
		return nil
	case <-in.done:
		return &Error{Op: "stream.write", Kind: KindInvalidState}
	default:
		return ErrWouldBlock
	}
}

func (in *inputStream) Close() {
	select {
	case <-in.done:
	default:
		close(in.done)
	}
}
