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
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	supervisor "github.com/orbitalio/supervisor"
)

// Version is the wire-visible version string returned by GET /version.
const Version = "1.0.0"

// Server wraps a supervisor.Manager, exposing it as an http.Handler.
type Server struct {
	m       *supervisor.Manager
	r       *mux.Router
	name    string
	started time.Time
}

// NewServer builds the route table for m, following the teacher's
// NewHandler shape: one mux.Router, one method per resource.
func NewServer(name string, m *supervisor.Manager) *Server {
	s := &Server{m: m, r: mux.NewRouter(), name: name, started: time.Now()}
	r := s.r

	r.HandleFunc("/", s.nodeInfo).Methods("GET")
	r.HandleFunc("/ping", s.ping).Methods("GET")
	r.HandleFunc("/version", s.version).Methods("GET")
	r.HandleFunc("/sessions", s.listSessions).Methods("GET")
	r.HandleFunc("/log", s.getLog).Methods("GET")
	r.HandleFunc("/jobs", s.listJobs).Methods("GET")
	r.HandleFunc("/jobs/{sid}", s.listSessionJobs).Methods("GET")
	r.HandleFunc("/jobs/{sid}", s.loadJob).Methods("POST")
	r.HandleFunc("/jobs/{sid}/{name}", s.getJob).Methods("GET")
	r.HandleFunc("/jobs/{sid}/{name}", s.updateJob).Methods("PUT")
	r.HandleFunc("/jobs/{sid}/{name}", s.deleteJob).Methods("DELETE")
	r.HandleFunc("/jobs/{sid}/{name}/numprocesses", s.getNumProcesses).Methods("GET")
	r.HandleFunc("/jobs/{sid}/{name}/numprocesses", s.postNumProcesses).Methods("POST")
	r.HandleFunc("/jobs/{sid}/{name}/state", s.getState).Methods("GET")
	r.HandleFunc("/jobs/{sid}/{name}/state", s.postState).Methods("POST")
	r.HandleFunc("/jobs/{sid}/{name}/signal", s.postJobSignal).Methods("POST")
	r.HandleFunc("/jobs/{sid}/{name}/stats", s.getJobStats).Methods("GET")
	r.HandleFunc("/jobs/{sid}/{name}/pids", s.getJobPids).Methods("GET")
	r.HandleFunc("/jobs/{sid}/{name}/commit", s.postCommit).Methods("POST")
	r.HandleFunc("/pids", s.listPids).Methods("GET")
	r.HandleFunc("/{pid:[0-9]+}", s.getInstance).Methods("GET")
	r.HandleFunc("/{pid:[0-9]+}", s.deleteInstance).Methods("DELETE")
	r.HandleFunc("/{pid:[0-9]+}/signal", s.postInstanceSignal).Methods("POST")
	r.HandleFunc("/{pid:[0-9]+}/stats", s.getInstanceStats).Methods("GET")
	r.HandleFunc("/streams/{pid:[0-9]+}/{label}", s.getStream).Methods("GET")
	r.HandleFunc("/streams/{pid:[0-9]+}/stdin", s.postStdin).Methods("POST")
	r.HandleFunc("/wstreams/{pid:[0-9]+}", s.wsStream)
	r.HandleFunc("/watch/{p1}", s.watch).Methods("GET")
	r.HandleFunc("/watch/{p1}/{p2}", s.watch).Methods("GET")
	r.HandleFunc("/watch/{p1}/{p2}/{p3}", s.watch).Methods("GET")
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.r.ServeHTTP(w, r) }

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", mimeJSON)
	w.WriteHeader(code)
	w.Write(b)
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	b, _ := json.Marshal(&Error{Code: code, Message: err.Error()})
	w.Header().Set("Content-Type", mimeJSON)
	w.WriteHeader(code)
	w.Write(b)
}

// statusFor maps a core *supervisor.Error's Kind to an HTTP status,
// per spec.md §7's propagation policy.
func statusFor(err error) int {
	var se *supervisor.Error
	if errors.As(err, &se) {
		switch se.Kind {
		case supervisor.KindNotFound:
			return http.StatusNotFound
		case supervisor.KindAlreadyExists:
			return http.StatusConflict
		case supervisor.KindInvalidSpec, supervisor.KindInvalidState:
			return http.StatusBadRequest
		case supervisor.KindFlapping:
			return http.StatusConflict
		}
	}
	return http.StatusInternalServerError
}

func qualify(sid, name string) string { return sid + "." + name }

func (s *Server) nodeInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NodeInfo{Name: s.name, Version: Version, Started: s.started})
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.Write([]byte("OK"))
}

func (s *Server) version(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.Write([]byte(Version))
}

// getLog implements `GET /log`, the manager-wide audit trail (spec.md
// §1's structured event log), following the teacher's per-service
// `GET /services/{service}/log` shape but scoped to the whole Manager
// and supporting the same X-Poll-Etag/X-Poll-Time long-poll idiom as
// the job state/numprocesses endpoints.
func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		since, _ = strconv.ParseInt(v, 10, 64)
	}
	if etag := r.Header.Get(PollEtagHeader); etag != "" {
		wait := 30 * time.Second
		if v := r.Header.Get(PollTimeHeader); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				wait = time.Duration(secs) * time.Second
			}
		}
		since, _ = strconv.ParseInt(etag, 10, 64)
		s.m.AuditLog().Watch(since, wait)
	}
	records, lastID := s.m.AuditLog().GetRecords(since)
	var fresh []supervisor.LogRecord
	for _, rec := range records {
		if rec.Id > since {
			fresh = append(fresh, rec)
		}
	}
	w.Header().Set(PollEtagHeader, strconv.FormatInt(lastID, 10))
	s.writeJSON(w, http.StatusOK, fresh)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, struct {
		Sessions []string `json:"sessions"`
	}{s.m.Sessions()})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, struct {
		Jobs []string `json:"jobs"`
	}{s.m.ListTemplates()})
}

func (s *Server) listSessionJobs(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	s.writeJSON(w, http.StatusOK, struct {
		SessionID string   `json:"sessionid"`
		Jobs      []string `json:"jobs"`
	}{sid, s.m.SessionTemplates(sid)})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	spec, err := supervisor.NewTemplateFromJSON(r.Body)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if _, err := s.m.LoadTemplate(sid, spec); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResult)
}

func (s *Server) templateInfo(sid, name string) (TemplateInfo, bool) {
	qname := qualify(sid, name)
	spec, ok := s.m.GetTemplate(qname)
	if !ok {
		return TemplateInfo{}, false
	}
	pids := s.m.ListInstances(qname)
	running, pending := 0, 0
	for _, pid := range pids {
		if in, ok := s.m.GetInstance(pid); ok {
			switch in.State() {
			case supervisor.StateRunning:
				running++
			case supervisor.StatePending, supervisor.StateSpawning:
				pending++
			}
		}
	}
	paused, _ := s.m.IsPaused(qname)
	return TemplateInfo{
		Name: spec.Name, Session: sid, Cmd: spec.Cmd, Args: spec.Args,
		NumProcesses: spec.NumProcesses, Priority: spec.Priority,
		Running: running, Pending: pending, Paused: paused, Pids: pids,
	}, true
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	info, ok := s.templateInfo(vars["sid"], vars["name"])
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	qname := qualify(vars["sid"], vars["name"])
	spec, err := supervisor.NewTemplateFromJSON(r.Body)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if err := s.m.UpdateTemplate(qname, spec); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResult)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	qname := qualify(vars["sid"], vars["name"])
	if err := s.m.UnloadTemplate(qname); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResult)
}

// pollWait implements the teacher's X-Poll-Etag/X-Poll-Time long-poll
// idiom: a client sends its last-seen serial and how long the server may
// hold the request open, and pollWait blocks until the Manager's registry
// changes or the wait expires, returning the serial to echo back.
func (s *Server) pollWait(r *http.Request) int64 {
	etag := r.Header.Get(PollEtagHeader)
	if etag == "" {
		return s.m.Serial()
	}
	last, err := strconv.ParseInt(etag, 10, 64)
	if err != nil {
		return s.m.Serial()
	}
	wait := 30 * time.Second
	if v := r.Header.Get(PollTimeHeader); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			wait = time.Duration(secs) * time.Second
		}
	}
	return s.m.WaitChanged(last, wait)
}

func (s *Server) getNumProcesses(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	qname := qualify(vars["sid"], vars["name"])
	serial := s.pollWait(r)
	spec, ok := s.m.GetTemplate(qname)
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	w.Header().Set(PollEtagHeader, strconv.FormatInt(serial, 10))
	s.writeJSON(w, http.StatusOK, ScaleResponse{NumProcesses: spec.NumProcesses})
}

func (s *Server) postNumProcesses(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	qname := qualify(vars["sid"], vars["name"])
	var req ScaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	spec, ok := s.m.GetTemplate(qname)
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	n, err := applyScale(spec.NumProcesses, req.Scale)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.m.Scale(qname, n); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, ScaleResponse{NumProcesses: n})
}

// applyScale interprets the "+N"|"-N"|"=N" grammar of spec.md §6's
// numprocesses endpoint.
func applyScale(cur int, expr string) (int, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return cur, errors.New("empty scale expression")
	}
	sign := expr[0]
	if sign != '+' && sign != '-' && sign != '=' {
		return 0, errors.New("scale must start with +, -, or =")
	}
	n, err := strconv.Atoi(expr[1:])
	if err != nil {
		return 0, err
	}
	switch sign {
	case '+':
		return cur + n, nil
	case '-':
		return cur - n, nil
	default:
		return n, nil
	}
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	qname := qualify(vars["sid"], vars["name"])
	serial := s.pollWait(r)
	paused, ok := s.m.IsPaused(qname)
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	v := 1
	if paused {
		v = 0
	}
	w.Header().Set(PollEtagHeader, strconv.FormatInt(serial, 10))
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) postState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	qname := qualify(vars["sid"], vars["name"])
	var v int
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var err error
	switch v {
	case 0:
		err = s.m.Stop(qname)
	case 1:
		err = s.m.Start(qname)
	case 2:
		err = s.m.Restart(qname)
	default:
		err = errors.New("state must be 0, 1, or 2")
	}
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResult)
}

func (s *Server) postJobSignal(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	qname := qualify(vars["sid"], vars["name"])
	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.m.Signal(qname, syscall.Signal(req.Signal)); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResult)
}

func (s *Server) getJobStats(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	qname := qualify(vars["sid"], vars["name"])
	pids := s.m.ListInstances(qname)
	out := TemplateStats{Stats: make([]StatsInfo, 0, len(pids))}
	for _, pid := range pids {
		in, ok := s.m.GetInstance(pid)
		if !ok {
			continue
		}
		st, err := in.SampleStats()
		if err != nil {
			continue
		}
		out.Stats = append(out.Stats, StatsInfo{PID: st.PID, CPUPercent: st.CPUPercent, RSS: st.RSS, VSZ: st.VSZ, CPUTime: st.CPUTime, ChildProcs: st.ChildProcs})
		out.CPUPercent += st.CPUPercent
		out.RSS += st.RSS
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getJobPids(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	qname := qualify(vars["sid"], vars["name"])
	s.writeJSON(w, http.StatusOK, struct {
		Pids []int64 `json:"pids"`
	}{s.m.ListInstances(qname)})
}

func (s *Server) postCommit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sid, name := vars["sid"], vars["name"]
	spec, ok := s.m.GetTemplate(qualify(sid, name))
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	var req CommitRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Env != nil {
		spec.Env = req.Env
	}
	if req.GracefulTimeout > 0 {
		spec.GracefulTimeout = req.GracefulTimeout
	}
	in, err := s.m.Commit(sid, spec)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, CommitResponse{PID: in.PID()})
}

func (s *Server) listPids(w http.ResponseWriter, r *http.Request) {
	var pids []int64
	for _, q := range s.m.ListTemplates() {
		pids = append(pids, s.m.ListInstances(q)...)
	}
	s.writeJSON(w, http.StatusOK, struct {
		Pids []int64 `json:"pids"`
	}{pids})
}

func pidFromVars(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["pid"], 10, 64)
}

func instanceInfo(in *supervisor.ProcessInstance) InstanceInfo {
	info := InstanceInfo{PID: in.PID(), Name: in.QualifiedName(), State: in.State().String(), OSPID: in.OSPID()}
	if ei := in.ExitInfo(); ei != nil {
		info.ExitStatus = &ei.ExitStatus
		info.TermSignal = &ei.TermSignal
		info.Reaped = string(ei.Reaped)
	}
	return info
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	pid, err := pidFromVars(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	in, ok := s.m.GetInstance(pid)
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("instance not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, instanceInfo(in))
}

func (s *Server) deleteInstance(w http.ResponseWriter, r *http.Request) {
	pid, err := pidFromVars(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	in, ok := s.m.GetInstance(pid)
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("instance not found"))
		return
	}
	in.RequestStop()
	s.writeJSON(w, http.StatusOK, okResult)
}

func (s *Server) postInstanceSignal(w http.ResponseWriter, r *http.Request) {
	pid, err := pidFromVars(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	in, ok := s.m.GetInstance(pid)
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("instance not found"))
		return
	}
	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := in.Signal(syscall.Signal(req.Signal)); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResult)
}

func (s *Server) getInstanceStats(w http.ResponseWriter, r *http.Request) {
	pid, err := pidFromVars(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	in, ok := s.m.GetInstance(pid)
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("instance not found"))
		return
	}
	st, err := in.SampleStats()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatsInfo{PID: st.PID, CPUPercent: st.CPUPercent, RSS: st.RSS, VSZ: st.VSZ, CPUTime: st.CPUTime, ChildProcs: st.ChildProcs})
}
