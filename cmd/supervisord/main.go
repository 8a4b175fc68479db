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
	"flag"
	"log"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	supervisor "github.com/orbitalio/supervisor"
	"github.com/orbitalio/supervisor/httpapi"
	"github.com/orbitalio/supervisor/tui"
)

func main() {
	var (
		addr    = flag.String("a", "127.0.0.1:8321", "listen address")
		dir     = flag.String("d", ".", "manifest directory")
		name    = flag.String("n", "supervisord", "node name")
		session = flag.String("s", "default", "session to load manifests under")
		webhook = flag.String("webhook", "", "webhook delivery URL (optional)")
		ui      = flag.Bool("ui", false, "run the interactive dashboard in the foreground instead of daemonizing")
	)
	flag.Parse()

	m := supervisor.NewManager()
	logger := log.New(os.Stderr, "", log.LstdFlags)
	m.AddLogger(logger)

	jobsDir := path.Join(*dir, "jobs")
	if _, err := os.Stat(jobsDir); err == nil {
		if err := supervisor.LoadManifestDir(m, *session, jobsDir, logger); err != nil {
			logger.Printf("manifest scan: %v", err)
		}
	}

	host := supervisor.NewApplicationHost(m)
	host.Register(httpapi.NewApp(*name, *addr))
	if *webhook != "" {
		host.Register(supervisor.NewWebhookApp(*webhook))
	}

	if err := host.Start(); err != nil {
		logger.Fatalf("failed to start: %v", err)
	}
	logger.Printf("supervisord %s listening on %s", *name, *addr)

	if *ui {
		dash, err := tui.NewDashboard(host.Manager(), *addr)
		if err != nil {
			logger.Fatalf("failed to start dashboard: %v", err)
		}
		dash.Run()
		host.Stop(30 * time.Second)
		return
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	logger.Printf("shutting down")
	host.Stop(30 * time.Second)
}
