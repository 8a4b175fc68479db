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

//go:build linux

package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const clockTicksPerSec = 100 // typical Linux HZ; USER_HZ is stable at 100 on nearly all distros

var pageSize = int64(os.Getpagesize())

// sampleProcess reads /proc/<pid>/stat for CPU and memory figures, and
// scans /proc for direct children to compute the child-process
// aggregate spec.md §4.4 calls for.  Only immediate children are
// aggregated, not the full descendant tree, to keep a 100ms sampling
// cadence cheap; a supervised process tree deep enough for that to
// matter is unusual for this kind of job supervisor.
func sampleProcess(osPID int) (StatsPayload, error) {
	fields, err := readProcStat(osPID)
	if err != nil {
		return StatsPayload{}, err
	}
	utime, _ := strconv.ParseFloat(fields[13], 64)
	stime, _ := strconv.ParseFloat(fields[14], 64)
	cpuTime := (utime + stime) / clockTicksPerSec

	vsz, _ := strconv.ParseUint(fields[22], 10, 64)
	rssPages, _ := strconv.ParseUint(fields[23], 10, 64)
	rss := rssPages * uint64(pageSize)

	children := findChildren(osPID)
	var childCPU float64
	for _, cpid := range children {
		if cf, err := readProcStat(cpid); err == nil {
			cu, _ := strconv.ParseFloat(cf[13], 64)
			cs, _ := strconv.ParseFloat(cf[14], 64)
			childCPU += (cu + cs) / clockTicksPerSec
			if crss, err := strconv.ParseUint(cf[23], 10, 64); err == nil {
				rss += crss * uint64(pageSize)
			}
			if cvsz, err := strconv.ParseUint(cf[22], 10, 64); err == nil {
				vsz += cvsz
			}
		}
	}

	return StatsPayload{
		RSS:        rss,
		VSZ:        vsz,
		CPUTime:    cpuTime + childCPU,
		ChildProcs: len(children),
	}, nil
}

// readProcStat returns the whitespace-split fields of /proc/<pid>/stat,
// with the parenthesized comm field collapsed so indices past it line up
// with the documented proc(5) layout regardless of spaces in comm.
func readProcStat(pid int) ([]string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return nil, err
	}
	line := string(data)
	end := strings.LastIndex(line, ")")
	if end < 0 {
		return nil, fmt.Errorf("malformed stat for pid %d", pid)
	}
	rest := strings.Fields(line[end+1:])
	fields := append([]string{"pid", "comm", "state"}, rest...)
	if len(fields) < 24 {
		return nil, fmt.Errorf("short stat for pid %d", pid)
	}
	return fields, nil
}

func findChildren(ppid int) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var kids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
		if err != nil {
			continue
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := sc.Text()
			if strings.HasPrefix(line, "PPid:") {
				fields := strings.Fields(line)
				if len(fields) == 2 {
					if v, err := strconv.Atoi(fields[1]); err == nil && v == ppid {
						kids = append(kids, pid)
					}
				}
				break
			}
		}
		f.Close()
	}
	return kids
}
