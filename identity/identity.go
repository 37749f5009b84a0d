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

// Package identity derives the stable agent identity (node id, group,
// basearch, stream, OS version/checksum, platform id, rollout wariness)
// from host OS state and configuration overrides, once at startup.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/zincati-go", "identity")

// applicationSalt keys the node-id hash; it is fixed so that the same
// machine-id always derives the same node id across restarts.
const applicationSalt = "zincati-go/node-id/v1"

var groupRe = regexp.MustCompile(`^[A-Za-z0-9.-]+$`)

// Identity is the immutable record derived once at startup.
type Identity struct {
	NodeID          string
	Group           string
	Basearch        string
	Stream          string
	OSVersion       string
	OSChecksum      string
	PlatformID      string
	RolloutWariness *float64
}

// OSReader is the narrow interface over OS introspection the identity
// builder depends on; a real implementation reads /etc/machine-id, the
// kernel command line, and booted-deployment metadata. Kept as an
// interface so tests can supply fakes without touching the filesystem.
type OSReader interface {
	MachineID() (string, error)
	KernelPlatformID() (string, error)
	BootedBasearch() (string, error)
	BootedStream() (string, error)
	BootedOSVersion() (string, error)
	BootedOSChecksum() (string, error)
}

// Overrides are the configuration-supplied fields that may replace the
// OS-derived defaults. Group, node id, wariness, and stream are
// overridable via configuration; basearch, platform id, OS version,
// and OS checksum are always read from the host.
type Overrides struct {
	Group           string
	NodeID          string
	Stream          string
	RolloutWariness *float64
}

// Build derives the Identity from OS introspection and configuration
// overrides. It fails fatally (non-nil error) if any required field is
// missing or malformed.
func Build(osr OSReader, ov Overrides) (*Identity, error) {
	basearch, err := osr.BootedBasearch()
	if err != nil || basearch == "" {
		return nil, errors.Wrap(firstNonNil(err, errEmpty("coreos-assembler.basearch")), "reading basearch")
	}

	stream := ov.Stream
	if stream == "" {
		stream, err = osr.BootedStream()
		if err != nil || stream == "" {
			return nil, errors.Wrap(firstNonNil(err, errEmpty("fedora-coreos.stream")), "reading stream")
		}
	}

	platformID, err := osr.KernelPlatformID()
	if err != nil || platformID == "" {
		return nil, errors.Wrap(firstNonNil(err, errEmpty("ignition.platform.id")), "reading kernel platform id")
	}

	osVersion, err := osr.BootedOSVersion()
	if err != nil || osVersion == "" {
		return nil, errors.Wrap(firstNonNil(err, errEmpty("os version")), "reading booted OS version")
	}

	osChecksum, err := osr.BootedOSChecksum()
	if err != nil || osChecksum == "" {
		return nil, errors.Wrap(firstNonNil(err, errEmpty("os checksum")), "reading booted OS checksum")
	}

	group := ov.Group
	if group == "" {
		group = "default"
	}
	if !groupRe.MatchString(group) {
		return nil, errors.Errorf("group %q does not match %s", group, groupRe.String())
	}

	nodeID := ov.NodeID
	if nodeID == "" {
		machineID, err := osr.MachineID()
		if err != nil || machineID == "" {
			return nil, errors.Wrap(firstNonNil(err, errEmpty("/etc/machine-id")), "reading machine id")
		}
		nodeID = hashNodeID(machineID)
	}

	if ov.RolloutWariness != nil {
		if *ov.RolloutWariness < 0.0 || *ov.RolloutWariness > 1.0 {
			return nil, errors.Errorf("rollout_wariness %v out of range [0,1]", *ov.RolloutWariness)
		}
	}

	id := &Identity{
		NodeID:          nodeID,
		Group:           group,
		Basearch:        basearch,
		Stream:          stream,
		OSVersion:       osVersion,
		OSChecksum:      osChecksum,
		PlatformID:      platformID,
		RolloutWariness: ov.RolloutWariness,
	}

	plog.Infof("identity: node_id=%s group=%s basearch=%s stream=%s platform=%s", id.NodeID, id.Group, id.Basearch, id.Stream, id.PlatformID)

	return id, nil
}

// hashNodeID combines the machine id with the fixed application salt
// via a keyed hash, emitting a hex string. Deterministic across
// restarts for a given machine id.
func hashNodeID(machineID string) string {
	mac := hmac.New(sha256.New, []byte(applicationSalt))
	mac.Write([]byte(strings.TrimSpace(machineID)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Wariness returns the configured rollout wariness, or 0 (eager,
// admitting rollout-gated updates as soon as the client's deterministic
// draw clears the threshold) if unset.
func (id *Identity) Wariness() float64 {
	if id.RolloutWariness == nil {
		return 0.0
	}
	return *id.RolloutWariness
}

func errEmpty(what string) error {
	return fmt.Errorf("%s is empty or missing", what)
}

func firstNonNil(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

// ParseWariness parses a string rollout wariness value as supplied
// from configuration, returning nil for an empty string.
func ParseWariness(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing rollout_wariness %q", s)
	}
	if v < 0.0 || v > 1.0 {
		return nil, errors.Errorf("rollout_wariness %v out of range [0,1]", v)
	}
	return &v, nil
}
