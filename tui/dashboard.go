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

// Package tui is a terminal dashboard over a supervisor.Manager, built
// directly on tcell.Screen rather than the teacher's topsl widget
// toolkit (topsl is not a dependency this module carries — see
// DESIGN.md). The screen layout — title line, summary counts, one row
// per job, a status/key bar — follows the teacher's govisor/mpanel.go
// panel composition.
package tui

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"

	supervisor "github.com/orbitalio/supervisor"
)

// Dashboard renders a live view of every loaded template.
type Dashboard struct {
	m      *supervisor.Manager
	screen tcell.Screen
	server string
	cury   int
	rows   []string

	monMu    sync.Mutex
	monQname string
	monSub   *supervisor.Subscription
	monStats map[int64]supervisor.StatsPayload
}

// NewDashboard constructs a Dashboard over m; server is a display label
// (e.g. the listen address of the httpapi.App fronting m).
func NewDashboard(m *supervisor.Manager, server string) (*Dashboard, error) {
	screen, err := tcell.NewScreen()
	if err != nil {
		return nil, err
	}
	if err := screen.Init(); err != nil {
		return nil, err
	}
	return &Dashboard{m: m, screen: screen, server: server}, nil
}

// watchSelected switches the live stats subscription to qname, tearing
// down any previous one via Manager.Unmonitor. Called whenever the
// selected row changes so only the visible job pays for sampling
// (statSampler already gates its own work on HasSubscribers).
func (d *Dashboard) watchSelected(qname string) {
	d.monMu.Lock()
	defer d.monMu.Unlock()
	if qname == d.monQname {
		return
	}
	if d.monSub != nil {
		d.m.Unmonitor(d.monSub)
		d.monSub = nil
	}
	d.monQname = qname
	d.monStats = make(map[int64]supervisor.StatsPayload)
	if qname == "" {
		return
	}
	sub, err := d.m.Monitor(qname, func(ev supervisor.Event) {
		st, ok := ev.Payload.(supervisor.StatsPayload)
		if !ok {
			return
		}
		d.monMu.Lock()
		d.monStats[st.PID] = st
		d.monMu.Unlock()
	})
	if err == nil {
		d.monSub = sub
	}
}

func (d *Dashboard) statsFor(pid int64) (supervisor.StatsPayload, bool) {
	d.monMu.Lock()
	defer d.monMu.Unlock()
	st, ok := d.monStats[pid]
	return st, ok
}

var (
	styleNormal = tcell.StyleDefault
	styleTitle  = tcell.StyleDefault.Bold(true).Reverse(true)
	styleRun    = tcell.StyleDefault.Foreground(tcell.ColorGreen)
	stylePaused = tcell.StyleDefault.Foreground(tcell.ColorYellow)
	styleFlap   = tcell.StyleDefault.Foreground(tcell.ColorRed).Bold(true)
)

// Run draws the dashboard and blocks, handling keys, until the user
// quits ('q' or Ctrl-C) or ctx-equivalent stop is requested via Close.
func (d *Dashboard) Run() {
	defer d.screen.Fini()
	events := make(chan tcell.Event, 16)
	go d.screen.ChannelEvents(events, nil)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	d.draw()
	for {
		select {
		case ev := <-events:
			switch e := ev.(type) {
			case *tcell.EventKey:
				if e.Key() == tcell.KeyCtrlC || e.Rune() == 'q' || e.Rune() == 'Q' {
					return
				}
				if e.Key() == tcell.KeyUp && d.cury > 0 {
					d.cury--
				}
				if e.Key() == tcell.KeyDown && d.cury < len(d.rows)-1 {
					d.cury++
				}
				d.draw()
			case *tcell.EventResize:
				d.screen.Sync()
				d.draw()
			}
		case <-ticker.C:
			d.draw()
		}
	}
}

// Close tears down the terminal screen and any live stats subscription.
func (d *Dashboard) Close() {
	d.watchSelected("")
	d.screen.Fini()
}

func drawText(s tcell.Screen, x, y int, style tcell.Style, text string) {
	for i, r := range []rune(text) {
		s.SetContent(x+i, y, r, nil, style)
	}
}

func (d *Dashboard) draw() {
	d.screen.Clear()
	w, h := d.screen.Size()

	jobs := d.m.ListTemplates()
	sort.Strings(jobs)

	var selected string
	if d.cury >= 0 && d.cury < len(jobs) {
		selected = jobs[d.cury]
	}
	d.watchSelected(selected)

	var selectedPids []int64
	var running, paused, flapping int
	rows := make([]string, 0, len(jobs))
	rowStyles := make([]tcell.Style, 0, len(jobs))

	for i, q := range jobs {
		spec, _ := d.m.GetTemplate(q)
		pids := d.m.ListInstances(q)
		if i == d.cury {
			selectedPids = pids
		}
		up := 0
		for _, pid := range pids {
			if in, ok := d.m.GetInstance(pid); ok && in.State() == supervisor.StateRunning {
				up++
			}
		}
		isPaused, _ := d.m.IsPaused(q)
		style := styleRun
		status := "running"
		switch {
		case isPaused:
			style = stylePaused
			status = "paused"
			paused++
		case up < spec.NumProcesses:
			style = styleFlap
			status = "degraded"
			flapping++
		default:
			running++
		}
		rows = append(rows, fmt.Sprintf("%-30s %-10s %d/%d", q, status, up, spec.NumProcesses))
		rowStyles = append(rowStyles, style)
	}
	d.rows = rows

	title := fmt.Sprintf(" supervisor  server=%s  %d jobs  %d running  %d paused  %d degraded",
		d.server, len(jobs), running, paused, flapping)
	for x := 0; x < w; x++ {
		ch := ' '
		if x < len(title) {
			ch = rune(title[x])
		}
		d.screen.SetContent(x, 0, ch, nil, styleTitle)
	}

	for i, row := range rows {
		y := i + 2
		if y >= h-1 {
			break
		}
		style := rowStyles[i]
		if i == d.cury {
			style = style.Reverse(true)
		}
		drawText(d.screen, 1, y, style, row)
	}

	if selected != "" {
		var cpu float64
		var rss uint64
		for _, pid := range selectedPids {
			if st, ok := d.statsFor(pid); ok {
				cpu += st.CPUPercent
				rss += st.RSS
			}
		}
		statLine := fmt.Sprintf(" %s: %.1f%% cpu  %d KiB rss", selected, cpu, rss/1024)
		drawText(d.screen, 0, h-2, styleNormal, statLine)
	}

	drawText(d.screen, 0, h-1, styleTitle, " [Q]uit  [Up/Down] select")
	d.screen.Show()
}
