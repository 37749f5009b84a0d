// Copyright 2016 CoreOS, Inc.
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

package status

import (
	"context"
	"net"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes a Prometheus scrape endpoint over a Unix domain
// socket rather than a TCP listener, so there's nothing to firewall.
type Server struct {
	SocketPath string
	Registry   *prometheus.Registry

	listener net.Listener
	http     *http.Server
}

// NewServer builds a Server that will listen on socketPath once Start
// is called. The socket file is removed first if already present,
// mirroring a crash-restart cleanup.
func NewServer(socketPath string, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &Server{
		SocketPath: socketPath,
		Registry:   reg,
		http:       &http.Server{Handler: mux},
	}
}

// Start begins serving in the background. It returns once the socket
// is listening; serve errors are logged, not returned, since they
// occur after Start has returned control to the caller.
func (s *Server) Start() error {
	if err := os.RemoveAll(s.SocketPath); err != nil {
		return errors.Wrap(err, "removing stale status socket")
	}

	l, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return errors.Wrap(err, "listening on status socket")
	}
	s.listener = l

	go func() {
		if err := s.http.Serve(l); err != nil && err != http.ErrServerClosed {
			plog.Errorf("status server stopped: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully stops the server and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	err := s.http.Shutdown(ctx)
	_ = os.RemoveAll(s.SocketPath)
	return err
}
