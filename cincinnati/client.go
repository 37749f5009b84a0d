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

// Package cincinnati fetches the release graph from the upstream
// update-graph web service, a plain GET returning a JSON document of
// release nodes and edges.
package cincinnati

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/coreos/zincati-go/graph"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/zincati-go", "cincinnati")

// Identity is the subset of agent identity sent as query parameters.
type Identity struct {
	Basearch        string
	Stream          string
	NodeUUID        string
	OSVersion       string
	OSChecksum      string
	Group           string
	RolloutWariness *float64
	Platform        string
}

// Client fetches the release graph from a configured base URL.
type Client struct {
	BaseURL        string
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration

	httpClient *http.Client
}

// NewClient returns a Client bounded by the given connect and total
// timeouts, retrying transient failures with a bounded exponential
// backoff via go-retryablehttp.
func NewClient(baseURL string, connectTimeout, totalTimeout time.Duration) *Client {
	dialer := &net.Dialer{Timeout: connectTimeout}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 500 * time.Millisecond
	rc.Logger = nil
	rc.HTTPClient.Timeout = totalTimeout
	rc.HTTPClient.Transport = &http.Transport{
		DialContext: dialer.DialContext,
	}

	return &Client{
		BaseURL:        baseURL,
		ConnectTimeout: connectTimeout,
		TotalTimeout:   totalTimeout,
		httpClient:     rc.StandardClient(),
	}
}

// TransientNetworkError is returned for any non-2xx response or
// transport-level failure.
type TransientNetworkError struct {
	Kind string
	Err  error
}

func (e *TransientNetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient network error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("transient network error (%s)", e.Kind)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// MalformedGraphError is returned when the response body cannot be
// parsed as the expected graph JSON shape.
type MalformedGraphError struct {
	Err error
}

func (e *MalformedGraphError) Error() string {
	return fmt.Sprintf("malformed update graph response: %v", e.Err)
}

func (e *MalformedGraphError) Unwrap() error { return e.Err }

type wireGraph struct {
	Nodes []graph.Node `json:"nodes"`
	Edges [][2]int     `json:"edges"`
}

// FetchGraph performs GET ${base}/v1/graph with identity fields as
// query parameters.
func (c *Client) FetchGraph(ctx context.Context, id Identity) (graph.Graph, error) {
	if id.Basearch == "" || id.Stream == "" {
		return graph.Graph{}, errors.New("basearch and stream are required to fetch the update graph")
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return graph.Graph{}, errors.Wrap(err, "parsing cincinnati base_url")
	}
	u.Path = joinPath(u.Path, "v1/graph")

	q := url.Values{}
	q.Set("basearch", id.Basearch)
	q.Set("stream", id.Stream)
	if id.NodeUUID != "" {
		q.Set("node_uuid", id.NodeUUID)
	}
	if id.OSVersion != "" {
		q.Set("os_version", id.OSVersion)
	}
	if id.OSChecksum != "" {
		q.Set("os_checksum", id.OSChecksum)
	}
	if id.Group != "" {
		q.Set("group", id.Group)
	}
	if id.RolloutWariness != nil {
		q.Set("rollout_wariness", strconv.FormatFloat(*id.RolloutWariness, 'f', -1, 64))
	}
	if id.Platform != "" {
		q.Set("platform", id.Platform)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return graph.Graph{}, errors.Wrap(err, "building graph request")
	}
	req.Header.Set("Accept", "application/json")

	// correlationID ties this request's log lines together without
	// identifying the client across requests (it is generated fresh
	// per call, unlike the stable node id).
	correlationID := uuid.NewString()
	plog.Infof("fetching update graph from %s [%s]", u.String(), correlationID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return graph.Graph{}, &TransientNetworkError{Kind: "transport", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		plog.Warningf("update graph fetch [%s] failed with status %d", correlationID, resp.StatusCode)
		return graph.Graph{}, &TransientNetworkError{Kind: fmt.Sprintf("http_%d", resp.StatusCode)}
	}

	ct := resp.Header.Get("Content-Type")
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil || mt != "application/json" {
		return graph.Graph{}, &MalformedGraphError{Err: errors.Errorf("unexpected content-type %q", ct)}
	}

	var wg wireGraph
	if err := json.NewDecoder(resp.Body).Decode(&wg); err != nil {
		return graph.Graph{}, &MalformedGraphError{Err: err}
	}

	edges := make([]graph.Edge, 0, len(wg.Edges))
	for _, e := range wg.Edges {
		edges = append(edges, graph.Edge{From: e[0], To: e[1]})
	}

	return graph.Graph{Nodes: wg.Nodes, Edges: edges}, nil
}

func joinPath(base, suffix string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + "/" + suffix
}
