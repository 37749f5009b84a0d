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

package deployments

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu          sync.Mutex
	maxInFlight int32
	inFlight    int32
	responses   map[string][]byte
	errs        map[string]error
	delay       time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)

	f.mu.Lock()
	if cur > f.maxInFlight {
		f.maxInFlight = cur
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	key := args[0]
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	return f.responses[key], nil
}

func TestQueryStatusParsesDeployments(t *testing.T) {
	runner := &fakeRunner{responses: map[string][]byte{
		"status": []byte(`{"deployments":[{"version":"1.0","checksum":"sum1","booted":true,"base-commit-meta":{"fedora-coreos.stream":"stable"}}]}`),
	}}
	c := NewClientWithRunner(runner)
	deps, err := c.QueryStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.True(t, deps[0].Booted)
	assert.Equal(t, "sum1", deps[0].Payload)
}

func TestFinalizeMismatch(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{
		"finalize-deployment": assertErr("version mismatch: expected sum2 got sum1"),
	}}
	c := NewClientWithRunner(runner)
	err := c.Finalize(context.Background(), "sum2", "2.0")
	require.Error(t, err)
	var me *MismatchError
	require.ErrorAs(t, err, &me)
}

func TestStageBusy(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{
		"deploy": assertErr("another transaction in progress"),
	}}
	c := NewClientWithRunner(runner)
	err := c.Stage(context.Background(), "sum1")
	require.Error(t, err)
	var be *BusyError
	require.ErrorAs(t, err, &be)
}

func TestAtMostOneInFlight(t *testing.T) {
	runner := &fakeRunner{delay: 20 * time.Millisecond, responses: map[string][]byte{}}
	c := NewClientWithRunner(runner)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.QueryStatus(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), runner.maxInFlight, "deployments.Client must serialize operations so at most one daemon call is ever in flight")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
