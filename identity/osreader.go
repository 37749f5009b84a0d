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

package identity

import (
	"encoding/json"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// FileOSReader is the production OSReader: reads /etc/machine-id, the
// kernel command line, and `rpm-ostree status --json` for the booted
// deployment's basearch/stream/version/checksum metadata.
type FileOSReader struct {
	MachineIDPath     string
	KernelCmdlinePath string
	RpmOstreeBin      string
}

// NewFileOSReader returns a FileOSReader with the conventional paths.
func NewFileOSReader() *FileOSReader {
	return &FileOSReader{
		MachineIDPath:     "/etc/machine-id",
		KernelCmdlinePath: "/proc/cmdline",
		RpmOstreeBin:      "rpm-ostree",
	}
}

func (f *FileOSReader) MachineID() (string, error) {
	b, err := os.ReadFile(f.MachineIDPath)
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", f.MachineIDPath)
	}
	return strings.TrimSpace(string(b)), nil
}

func (f *FileOSReader) KernelPlatformID() (string, error) {
	b, err := os.ReadFile(f.KernelCmdlinePath)
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", f.KernelCmdlinePath)
	}
	for _, field := range strings.Fields(string(b)) {
		if v, ok := strings.CutPrefix(field, "ignition.platform.id="); ok {
			return v, nil
		}
	}
	return "", errors.New("ignition.platform.id= not found on kernel command line")
}

type rpmOstreeStatus struct {
	Deployments []rpmOstreeDeployment `json:"deployments"`
}

type rpmOstreeDeployment struct {
	Version      string            `json:"version"`
	Checksum     string            `json:"checksum"`
	Booted       bool              `json:"booted"`
	Staged       bool              `json:"staged"`
	Origin       string            `json:"origin"`
	BaseMetadata map[string]string `json:"base-commit-meta"`
}

func (f *FileOSReader) bootedDeployment() (*rpmOstreeDeployment, error) {
	out, err := exec.Command(f.RpmOstreeBin, "status", "--json").Output()
	if err != nil {
		return nil, errors.Wrap(err, "running rpm-ostree status")
	}
	var status rpmOstreeStatus
	if err := json.Unmarshal(out, &status); err != nil {
		return nil, errors.Wrap(err, "parsing rpm-ostree status output")
	}
	for i := range status.Deployments {
		if status.Deployments[i].Booted {
			return &status.Deployments[i], nil
		}
	}
	return nil, errors.New("no booted deployment reported by rpm-ostree")
}

func (f *FileOSReader) BootedBasearch() (string, error) {
	d, err := f.bootedDeployment()
	if err != nil {
		return "", err
	}
	v, ok := d.BaseMetadata["coreos-assembler.basearch"]
	if !ok || v == "" {
		return "", errors.New("coreos-assembler.basearch missing from booted deployment metadata")
	}
	return v, nil
}

func (f *FileOSReader) BootedStream() (string, error) {
	d, err := f.bootedDeployment()
	if err != nil {
		return "", err
	}
	v, ok := d.BaseMetadata["fedora-coreos.stream"]
	if !ok || v == "" {
		return "", errors.New("fedora-coreos.stream missing from booted deployment metadata")
	}
	return v, nil
}

func (f *FileOSReader) BootedOSVersion() (string, error) {
	d, err := f.bootedDeployment()
	if err != nil {
		return "", err
	}
	return d.Version, nil
}

func (f *FileOSReader) BootedOSChecksum() (string, error) {
	d, err := f.bootedDeployment()
	if err != nil {
		return "", err
	}
	return d.Checksum, nil
}
