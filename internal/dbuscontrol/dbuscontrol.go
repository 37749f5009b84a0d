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

// Package dbuscontrol exposes a minimal, read-only D-Bus status
// surface for the agent: one object with one method, Get, reporting
// the FSM's current state name and service status text. It offers no
// way to trigger a check or toggle updates over the bus; this is
// ambient observability plumbing only.
package dbuscontrol

import (
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/pkg/errors"
)

const (
	// BusName is the well-known name the agent claims on the system
	// bus.
	BusName = "org.coreos.zincati"
	// ObjectPath is the path of the single exported status object.
	ObjectPath = dbus.ObjectPath("/org/coreos/zincati")
	// InterfaceName groups the exported Get method.
	InterfaceName = "org.coreos.zincati.Status"
)

// Status is the exported, read-only snapshot. Field order matches the
// values Get returns.
type Status struct {
	State  string
	Detail string
}

// Server owns the D-Bus connection and the current status snapshot.
// Updates are pushed in by the caller (the FSM driver loop); Server
// never reads agent state directly, keeping the FSM the sole owner of
// its own state.
type Server struct {
	conn *dbus.Conn

	mu     sync.Mutex
	status Status
}

// New claims BusName on the system bus and exports the status object.
// Returns an error if the system bus is unreachable or the name is
// already owned, both of which are non-fatal to the update loop: the
// caller may choose to log and continue without the D-Bus surface.
func New() (*Server, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "connecting to system bus")
	}

	s := &Server{conn: conn}

	if err := conn.Export(s, ObjectPath, InterfaceName); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "exporting status object")
	}

	node := &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: InterfaceName,
				Methods: []introspect.Method{
					{
						Name: "Get",
						Args: []introspect.Arg{
							{Name: "state", Type: "s", Direction: "out"},
							{Name: "detail", Type: "s", Direction: "out"},
						},
					},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "exporting introspection data")
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "requesting bus name")
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, errors.Errorf("bus name %s already owned", BusName)
	}

	return s, nil
}

// Update replaces the published status snapshot.
func (s *Server) Update(state, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = Status{State: state, Detail: detail}
}

// Get is exported over D-Bus as InterfaceName.Get, returning the
// current (state, detail) pair.
func (s *Server) Get() (string, string, *dbus.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.State, s.status.Detail, nil
}

// Close releases the bus name and closes the connection.
func (s *Server) Close() error {
	if s.conn == nil {
		return nil
	}
	_, _ = s.conn.ReleaseName(BusName)
	return s.conn.Close()
}
