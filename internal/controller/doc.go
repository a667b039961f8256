// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package controller wires pkg/engine into a runnable server process.

The Controller is the lifecycle owner: it constructs the process store,
distributed lock, broadcast bus, and executor the configuration selects,
builds an *engine.Engine from them, resumes any processes a prior crash
left Running, and serves the process API over HTTP.

# Usage

	cfg, _ := config.Load("")
	c, err := controller.New(cfg, registry)
	if err != nil {
	    log.Fatal(err)
	}

	go func() {
	    if err := c.Start(ctx); err != nil {
	        log.Fatal(err)
	    }
	}()

	c.Shutdown(context.Background())

# Subpackages

  - auth: bearer-token authentication and per-key rate limiting
  - httpapi: the process-API HTTP/websocket transport
  - listener: Unix socket / TCP listener construction
  - middleware: CORS
  - metrics: Prometheus collectors for persistence operations
  - store: engine.Store backends (memory, sqlite, postgres)
  - distlock: the Redis engine.DistLock backend (the memory one is in pkg/engine)
  - broadcast: the Redis engine.Broadcaster backend (the memory one is in pkg/engine)
*/
package controller
