// Copyright 2024 Google LLC
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

package sink

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/Jeffail/gabs/v2"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"

	"github.com/gchux/telemetry-tap/pkg/stream"
)

var sinkLogger = log.New(os.Stderr, "[sink] - ", log.LstdFlags)

type (
	Destination string

	// Sink durably records one document under a named destination.
	// Implementations own retries and connection management; the router
	// only observes the final error.
	Sink interface {
		Index(ctx context.Context, destination Destination, doc *gabs.Container) error
	}

	sinkTask struct {
		ctx         context.Context
		destination Destination
		doc         *gabs.Container
	}

	// Router fans classified records out to every attached sink through a
	// bounded worker pool. Dispatch is fire-and-forget relative to the
	// caller; saturation applies backpressure at the pipeline stage, never
	// on the proxy's chunk callback path.
	Router struct {
		sinks []Sink
		pool  *ants.PoolWithFunc
		wg    *sync.WaitGroup
	}
)

const (
	// classified telemetry events
	DestinationTelemetry = Destination("telemetry-streaming")
	// pass-through completion traffic
	DestinationStream = Destination("mitmproxy-stream")
	// content that failed every recovery strategy
	DestinationRaw = Destination("telemetry-raw")

	// at most this many characters of unparseable content are persisted
	rawContentPreviewLimit = 1000
)

var Destinations = mapset.NewSet(
	DestinationTelemetry,
	DestinationStream,
	DestinationRaw,
)

var ErrUnknownDestination = errors.New("unknown destination")

func NewRouter(poolSize int, sinks ...Sink) (*Router, error) {
	router := &Router{
		sinks: sinks,
		wg:    new(sync.WaitGroup),
	}

	poolOpts := ants.Options{
		PreAlloc:       true,
		Nonblocking:    false,
		ExpiryDuration: 10 * time.Second,
	}
	poolOpts.PanicHandler = func(i interface{}) {
		sinkLogger.Printf("@dispatch | panic: %v\n", i)
		router.wg.Done()
	}

	pool, err := ants.NewPoolWithFunc(poolSize, router.dispatch, ants.WithOptions(poolOpts))
	if err != nil {
		return nil, err
	}

	router.pool = pool
	return router, nil
}

func (r *Router) dispatch(i interface{}) {
	task := i.(*sinkTask)
	defer r.wg.Done()

	select {
	case <-task.ctx.Done():
		sinkLogger.Printf("@dispatch | dropped: %s | context done\n", task.destination)
		return
	default:
	}

	for _, sink := range r.sinks {
		// sink failure is the only operational fault in the pipeline;
		// every other empty/partial outcome is an expected branch
		if err := sink.Index(task.ctx, task.destination, task.doc); err != nil {
			sinkLogger.Printf("@dispatch | %s | %v\n", task.destination, err)
		}
	}
}

// Dispatch enqueues one record for delivery to all sinks. Blocks only when
// the pool is saturated.
func (r *Router) Dispatch(ctx context.Context, destination Destination, doc *gabs.Container) error {
	if !Destinations.Contains(destination) {
		return errors.Wrapf(ErrUnknownDestination, "%s", destination)
	}

	r.wg.Add(1)
	if err := r.pool.Invoke(&sinkTask{ctx: ctx, destination: destination, doc: doc}); err != nil {
		r.wg.Done()
		return err
	}
	return nil
}

// DispatchRawFallback persists a bounded preview of content that failed
// every recovery strategy, so failures stay observable without unbounded
// storage growth.
func (r *Router) DispatchRawFallback(ctx context.Context, flow *stream.FlowInfo, content string) error {
	return r.Dispatch(ctx, DestinationRaw, NewRawFallbackRecord(flow, content))
}

// WaitDone blocks until all enqueued records are delivered, or the
// deadline elapses.
func (r *Router) WaitDone(ctx context.Context, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		sinkLogger.Printf("timed out draining dispatch pool | running: %d | waiting: %d\n",
			r.pool.Running(), r.pool.Waiting())
	}

	r.pool.ReleaseTimeout(timeout)
}

// NewRawFallbackRecord builds the document persisted when no strategy
// recovered anything from a telemetry body.
func NewRawFallbackRecord(flow *stream.FlowInfo, content string) *gabs.Container {
	preview := content
	if runes := []rune(content); len(runes) > rawContentPreviewLimit {
		preview = string(runes[:rawContentPreviewLimit])
	}

	doc := gabs.New()
	doc.Set(flow.Username, "user")
	doc.Set(flow.ClientIP, "user_ip")
	doc.Set(flow.ConnectionID, "connectionid")
	doc.Set(time.Now().UTC().Format(time.RFC3339Nano), "timestamp")

	request, _ := doc.Object("request")
	request.Set(flow.URL, "url")
	request.Set(preview, "raw_content")
	request.Set(len(content), "content_length")
	request.Set("unknown/binary", "content_type")
	request.Set("failed_json_parse", "parsing_status")

	return doc
}

// NewPassthroughRecord builds the document persisted for non-telemetry
// completion traffic.
func NewPassthroughRecord(flow *stream.FlowInfo, direction stream.Direction, content string) *gabs.Container {
	doc := gabs.New()
	doc.Set(flow.Username, "user")
	doc.Set(flow.ClientIP, "user_ip")
	doc.Set(flow.ConnectionID, "connectionid")
	doc.Set(time.Now().UTC().Format(time.RFC3339Nano), "timestamp")

	payload, _ := doc.Object("payload")
	payload.Set(flow.URL, "url")
	payload.Set(flow.Method, "method")
	payload.Set(flattenHeaders(flow), "headers")
	payload.Set(content, "content")
	payload.Set(string(direction), "direction")

	return doc
}

func flattenHeaders(flow *stream.FlowInfo) map[string]string {
	headers := make(map[string]string, len(flow.Headers))
	for name, values := range flow.Headers {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	return headers
}
