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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"

	supervisor "github.com/orbitalio/supervisor"
)

// chanResp carries an in-flight request's outcome across a select, the
// same shape the teacher's rest/client.go uses to make an http.Client
// call cancellable via context.
type chanResp struct {
	r *http.Response
	e error
}

// Client is a thin, cacheless wrapper for the httpapi wire contract.
// Unlike the teacher's rest.Client it does not cache the templates it
// fetches — every call round-trips — since supervisorctl's one-shot CLI
// usage has no need for the teacher's long-lived watch cache.
type Client struct {
	Base   string
	User   string
	Pass   string
	auth   bool
	Client *http.Client
}

// NewClient constructs a Client against base, e.g. "http://127.0.0.1:8321".
func NewClient(base string) *Client {
	return &Client{Base: base, Client: &http.Client{}}
}

// SetAuth enables HTTP Basic-Auth on every subsequent request.
func (c *Client) SetAuth(user, pass string) {
	c.User, c.Pass = user, pass
	c.auth = true
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, reader)
	if err != nil {
		return err
	}
	if c.auth {
		req.SetBasicAuth(c.User, c.Pass)
	}
	if body != nil {
		req.Header.Set("Content-Type", mimeJSON)
	}

	ch := make(chan chanResp, 1)
	go func() {
		res, e := c.Client.Do(req)
		ch <- chanResp{r: res, e: e}
	}()

	var res *http.Response
	select {
	case <-ctx.Done():
		return ctx.Err()
	case cr := <-ch:
		res, err = cr.r, cr.e
	}
	if err != nil {
		return err
	}
	defer res.Body.Close()
	buf, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		var apiErr Error
		if json.Unmarshal(buf, &apiErr) == nil && apiErr.Message != "" {
			return &apiErr
		}
		return &Error{Code: res.StatusCode, Message: res.Status}
	}
	if out == nil || len(buf) == 0 {
		return nil
	}
	return json.Unmarshal(buf, out)
}

// Jobs lists every qualified job name known to the server.
func (c *Client) Jobs(ctx context.Context) ([]string, error) {
	var v struct {
		Jobs []string `json:"jobs"`
	}
	if err := c.do(ctx, "GET", "/jobs", nil, &v); err != nil {
		return nil, err
	}
	return v.Jobs, nil
}

// LoadJob loads spec under session sid.
func (c *Client) LoadJob(ctx context.Context, sid string, spec interface{}) error {
	return c.do(ctx, "POST", "/jobs/"+url.PathEscape(sid), spec, nil)
}

// GetJob fetches one template's info.
func (c *Client) GetJob(ctx context.Context, sid, name string) (*TemplateInfo, error) {
	var info TemplateInfo
	if err := c.do(ctx, "GET", jobPath(sid, name), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteJob unloads a template.
func (c *Client) DeleteJob(ctx context.Context, sid, name string) error {
	return c.do(ctx, "DELETE", jobPath(sid, name), nil, nil)
}

// Scale applies a "+N"|"-N"|"=N" expression to a template's numprocesses.
func (c *Client) Scale(ctx context.Context, sid, name, expr string) (int, error) {
	var resp ScaleResponse
	if err := c.do(ctx, "POST", jobPath(sid, name)+"/numprocesses", ScaleRequest{Scale: expr}, &resp); err != nil {
		return 0, err
	}
	return resp.NumProcesses, nil
}

// SetState issues the 0|1|2 = stop/start/reload control operation.
func (c *Client) SetState(ctx context.Context, sid, name string, v int) error {
	return c.do(ctx, "POST", jobPath(sid, name)+"/state", v, nil)
}

// Signal sends a signal to every instance of a template.
func (c *Client) Signal(ctx context.Context, sid, name string, sig int) error {
	return c.do(ctx, "POST", jobPath(sid, name)+"/signal", SignalRequest{Signal: sig}, nil)
}

// Stats fetches a template's aggregate resource usage.
func (c *Client) Stats(ctx context.Context, sid, name string) (*TemplateStats, error) {
	var stats TemplateStats
	if err := c.do(ctx, "GET", jobPath(sid, name)+"/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Commit spawns a one-off instance of a loaded template.
func (c *Client) Commit(ctx context.Context, sid, name string, req CommitRequest) (int64, error) {
	var resp CommitResponse
	if err := c.do(ctx, "POST", jobPath(sid, name)+"/commit", req, &resp); err != nil {
		return 0, err
	}
	return resp.PID, nil
}

// Log fetches the manager-wide audit trail written since the last
// record id the caller has already seen.
func (c *Client) Log(ctx context.Context, since int64) ([]supervisor.LogRecord, error) {
	var records []supervisor.LogRecord
	if err := c.do(ctx, "GET", fmt.Sprintf("/log?since=%d", since), nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func jobPath(sid, name string) string {
	return fmt.Sprintf("/jobs/%s/%s", url.PathEscape(sid), url.PathEscape(name))
}

// Ping issues a liveness check, returning nil if the server answered
// "OK".
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.Base+"/ping", nil)
	if err != nil {
		return err
	}
	res, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if string(body) != "OK" {
		return &Error{Code: res.StatusCode, Message: "unexpected ping response"}
	}
	return nil
}
