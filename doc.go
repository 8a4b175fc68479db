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

// Package supervisor provides a pure Go process supervision core.  It
// launches, monitors, restarts, scales and shuts down operating-system
// processes on a single node, exposes their standard I/O as multiplexed
// event streams, enforces crash-rate ("flapping") policies, and publishes
// lifecycle and telemetry events to interested subscribers.
//
// Unlike a system init, this is not a replacement for your system's
// master process manager; rather it is a tool applications and their
// operators embed to manage their own groups of worker processes as part
// of application deployment.
//
// Transports (HTTP/REST, websocket, TUI) live in sub-packages and are
// consumers of the operations documented here; the wire contracts they
// must preserve are documented alongside each handler.
package supervisor
