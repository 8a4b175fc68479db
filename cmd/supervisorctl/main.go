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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/orbitalio/supervisor/httpapi"
)

// Exit codes per spec.md §6: 0 success, 1 generic error, 2 usage, 3
// connection failure, 4 conflict.
const (
	exitOK         = 0
	exitError      = 1
	exitUsage      = 2
	exitConnection = 3
	exitConflict   = 4
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: supervisorctl -a <addr> <command> <session> <name> [args...]")
	fmt.Fprintln(os.Stderr, "commands: ping, jobs, log, get, delete, scale <expr>, start, stop, reload, signal <n>, stats")
	os.Exit(exitUsage)
}

func main() {
	addr := flag.String("a", "http://127.0.0.1:8321", "supervisord address")
	timeout := flag.Duration("t", 5*time.Second, "request timeout")
	user := flag.String("u", "", "basic auth user")
	pass := flag.String("p", "", "basic auth password")
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	c := httpapi.NewClient(*addr)
	if *user != "" {
		c.SetAuth(*user, *pass)
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	code, err := run(ctx, c, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(code)
}

func run(ctx context.Context, c *httpapi.Client, args []string) (int, error) {
	cmd := args[0]

	switch cmd {
	case "ping":
		if err := c.Ping(ctx); err != nil {
			return connErrCode(err), err
		}
		fmt.Println("OK")
		return exitOK, nil
	case "jobs":
		jobs, err := c.Jobs(ctx)
		if err != nil {
			return connErrCode(err), err
		}
		for _, j := range jobs {
			fmt.Println(j)
		}
		return exitOK, nil
	case "log":
		var since int64
		if len(args) > 1 {
			since, _ = strconv.ParseInt(args[1], 10, 64)
		}
		records, err := c.Log(ctx, since)
		if err != nil {
			return connErrCode(err), err
		}
		for _, rec := range records {
			fmt.Printf("%d\t%s\t%s\n", rec.Id, rec.Time.Format(time.RFC3339), rec.Text)
		}
		return exitOK, nil
	}

	if len(args) < 3 {
		usage()
	}
	sid, name := args[1], args[2]
	rest := args[3:]

	switch cmd {
	case "get":
		info, err := c.GetJob(ctx, sid, name)
		if err != nil {
			return connErrCode(err), err
		}
		fmt.Printf("%s.%s: cmd=%s numprocesses=%d running=%d pending=%d paused=%v pids=%v\n",
			sid, name, info.Cmd, info.NumProcesses, info.Running, info.Pending, info.Paused, info.Pids)
		return exitOK, nil
	case "delete":
		if err := c.DeleteJob(ctx, sid, name); err != nil {
			return connErrCode(err), err
		}
		return exitOK, nil
	case "scale":
		if len(rest) != 1 {
			usage()
		}
		n, err := c.Scale(ctx, sid, name, rest[0])
		if err != nil {
			return connErrCode(err), err
		}
		fmt.Println(n)
		return exitOK, nil
	case "start":
		return stateCmd(ctx, c, sid, name, 1)
	case "stop":
		return stateCmd(ctx, c, sid, name, 0)
	case "reload":
		return stateCmd(ctx, c, sid, name, 2)
	case "signal":
		if len(rest) != 1 {
			usage()
		}
		n, err := strconv.Atoi(rest[0])
		if err != nil {
			return exitUsage, err
		}
		if err := c.Signal(ctx, sid, name, n); err != nil {
			return connErrCode(err), err
		}
		return exitOK, nil
	case "stats":
		stats, err := c.Stats(ctx, sid, name)
		if err != nil {
			return connErrCode(err), err
		}
		fmt.Printf("cpu=%.1f rss=%d instances=%d\n", stats.CPUPercent, stats.RSS, len(stats.Stats))
		return exitOK, nil
	default:
		usage()
	}
	return exitUsage, nil
}

func stateCmd(ctx context.Context, c *httpapi.Client, sid, name string, v int) (int, error) {
	if err := c.SetState(ctx, sid, name, v); err != nil {
		return connErrCode(err), err
	}
	return exitOK, nil
}

func connErrCode(err error) int {
	if apiErr, ok := err.(*httpapi.Error); ok {
		if apiErr.Code == 409 {
			return exitConflict
		}
		return exitError
	}
	if strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "context deadline") {
		return exitConnection
	}
	return exitError
}
