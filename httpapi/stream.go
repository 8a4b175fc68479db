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

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	supervisor "github.com/orbitalio/supervisor"
)

// feedEvent is what continuous/eventsource/websocket feeds marshal per
// delivered item.
type feedEvent struct {
	Topic string      `json:"topic"`
	Time  time.Time   `json:"time"`
	Data  interface{} `json:"data"`
}

func parseFeed(r *http.Request) string {
	feed := r.URL.Query().Get("feed")
	if feed == "" {
		return "continuous"
	}
	return feed
}

// parseBacklog reports whether the caller opted into backlog replay via
// ?backlog=true. Default is off, per SPEC_FULL.md §9's resolution:
// "stream backlog replay is opt-in per subscription, bounded to the ring
// buffer size."
func parseBacklog(r *http.Request) bool {
	switch r.URL.Query().Get("backlog") {
	case "true", "1":
		return true
	default:
		return false
	}
}

func parseHeartbeat(r *http.Request) time.Duration {
	v := r.URL.Query().Get("heartbeat")
	if v == "" || v == "false" || v == "0" {
		return 0
	}
	if v == "true" {
		return 15 * time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// getStream implements `GET /streams/<pid>/<label>`, following live
// chunks under the feed mode requested. Passing `?backlog=true` replays
// the retained ring buffer first; the default is to skip it, so a
// long-running stream doesn't dump its full history to every new
// subscriber.
func (s *Server) getStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pid, err := strconv.ParseInt(vars["pid"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	in, ok := s.m.GetInstance(pid)
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("instance not found"))
		return
	}
	topic := fmt.Sprintf("stream.%d.%s", pid, vars["label"])
	feed := parseFeed(r)
	heartbeat := parseHeartbeat(r)

	events := make(chan supervisor.Event, 32)
	sub := s.m.Events().Subscribe(topic, supervisor.SubscriberFunc(func(ev supervisor.Event) {
		select {
		case events <- ev:
		default:
		}
	}), supervisor.SubscribeOptions{Capacity: 256, Policy: supervisor.DropOldest, Heartbeat: heartbeat})
	defer sub.Unsubscribe()

	var backlog []byte
	if parseBacklog(r) {
		backlog = in.Stream().Output(vars["label"]).Backlog()
	}

	switch feed {
	case "longpoll":
		s.serveLongpollStream(w, backlog, events)
	case "eventsource":
		s.serveEventSourceStream(w, r, topic, backlog, events)
	default:
		s.serveContinuousStream(w, r, topic, backlog, events)
	}
}

func (s *Server) serveLongpollStream(w http.ResponseWriter, backlog []byte, events chan supervisor.Event) {
	if len(backlog) > 0 {
		s.writeJSON(w, http.StatusOK, feedEvent{Data: string(backlog)})
		return
	}
	select {
	case ev := <-events:
		s.writeJSON(w, http.StatusOK, toFeedEvent(ev))
	case <-time.After(30 * time.Second):
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) serveContinuousStream(w http.ResponseWriter, r *http.Request, topic string, backlog []byte, events chan supervisor.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	if len(backlog) > 0 {
		enc.Encode(feedEvent{Topic: topic, Time: time.Now(), Data: string(backlog)})
		flusher.Flush()
	}
	for {
		select {
		case ev := <-events:
			enc.Encode(toFeedEvent(ev))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) serveEventSourceStream(w http.ResponseWriter, r *http.Request, topic string, backlog []byte, events chan supervisor.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if len(backlog) > 0 {
		writeSSE(w, topic, feedEvent{Topic: topic, Time: time.Now(), Data: string(backlog)})
		flusher.Flush()
	}
	for {
		select {
		case ev := <-events:
			writeSSE(w, ev.Topic, toFeedEvent(ev))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}

func toFeedEvent(ev supervisor.Event) feedEvent {
	return feedEvent{Topic: ev.Topic, Time: ev.Time, Data: ev.Payload}
}

// postStdin implements `POST /streams/<pid>/stdin`.
func (s *Server) postStdin(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pid, err := strconv.ParseInt(vars["pid"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	in, ok := s.m.GetInstance(pid)
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("instance not found"))
		return
	}
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := in.Stream().Write(body, true); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResult)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsStream implements `WS /wstreams/<pid>`: every text/binary message
// received is written to the instance's stdin, and every stdout chunk
// published by the instance is written back as a binary frame; stderr
// is not forwarded.
func (s *Server) wsStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pid, err := strconv.ParseInt(vars["pid"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	in, ok := s.m.GetInstance(pid)
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("instance not found"))
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	outPattern := fmt.Sprintf("stream.%d.", pid)
	done := make(chan struct{})
	sub := s.m.Events().Subscribe("stream."+strconv.FormatInt(pid, 10)+".stdout", supervisor.SubscriberFunc(func(ev supervisor.Event) {
		payload, ok := ev.Payload.(supervisor.StreamPayload)
		if !ok || !strings.HasPrefix(ev.Topic, outPattern) {
			return
		}
		select {
		case <-done:
		default:
			conn.WriteMessage(websocket.BinaryMessage, payload.Data)
		}
	}), supervisor.SubscribeOptions{Capacity: 256, Policy: supervisor.DropOldest})
	defer sub.Unsubscribe()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			close(done)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if err := in.Stream().Write(data, true); err != nil && err != io.EOF {
			close(done)
			return
		}
	}
}

// watch implements `GET /watch/<p1>[/<p2>[/<p3>]]`, subscribing to the
// dot-joined pattern and replaying matched events under the requested
// feed mode.
func (s *Server) watch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	segs := []string{vars["p1"]}
	if v, ok := vars["p2"]; ok {
		segs = append(segs, v)
	}
	if v, ok := vars["p3"]; ok {
		segs = append(segs, v)
	}
	pattern := strings.Join(segs, ".")
	feed := parseFeed(r)
	heartbeat := parseHeartbeat(r)

	events := make(chan supervisor.Event, 32)
	sub := s.m.Events().Subscribe(pattern, supervisor.SubscriberFunc(func(ev supervisor.Event) {
		select {
		case events <- ev:
		default:
		}
	}), supervisor.SubscribeOptions{Capacity: 256, Policy: supervisor.DropOldest, Heartbeat: heartbeat})
	defer sub.Unsubscribe()

	switch feed {
	case "longpoll":
		s.serveLongpollStream(w, nil, events)
	case "eventsource":
		s.serveEventSourceStream(w, r, pattern, nil, events)
	default:
		s.serveContinuousStream(w, r, pattern, nil, events)
	}
}
