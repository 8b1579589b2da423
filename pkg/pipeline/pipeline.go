package pipeline

import (
	"context"
	"log"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/alphadose/haxmap"
	concurrently "github.com/tejzpr/ordered-concurrently/v3"

	"github.com/gchux/telemetry-tap/pkg/config"
	"github.com/gchux/telemetry-tap/pkg/recovery"
	"github.com/gchux/telemetry-tap/pkg/sink"
	"github.com/gchux/telemetry-tap/pkg/stream"
	"github.com/gchux/telemetry-tap/pkg/telemetry"
)

var pipelineLogger = log.New(os.Stderr, "[pipeline] - ", log.LstdFlags)

type (
	batchKind uint8

	// Pipeline turns finalized stream content into routed sink records.
	// Recovery and classification are CPU-bound, so they run on a
	// concurrent stage whose output is consumed in enqueue order; sink
	// dispatch is the only true I/O and goes through the router's pool.
	Pipeline struct {
		ctx        context.Context
		parser     *recovery.Parser
		classifier *telemetry.Classifier
		router     *sink.Router
		files      *sink.FileManager

		accumulators *haxmap.Map[uint64, *stream.Accumulator]

		// ichMutex serializes sends against the close on cancellation:
		// a finalize racing the shutdown must drop, not panic
		ichMutex  sync.RWMutex
		ichClosed bool
		ich       chan concurrently.WorkFunction

		och <-chan concurrently.OrderedOutput
		wg  *sync.WaitGroup
	}

	// finalizedStream is the unit of work for the CPU stage: the single
	// final-content decision of one (flow, direction) pair.
	finalizedStream struct {
		pipeline  *Pipeline
		flow      *stream.FlowInfo
		direction stream.Direction
		content   string
	}

	batchResult struct {
		flow            *stream.FlowInfo
		direction       stream.Direction
		content         string
		kind            batchKind
		objects         []*gabs.Container
		classifications []telemetry.Classification
	}
)

const (
	batchSkip batchKind = iota
	batchPassthrough
	batchTelemetry
	batchRawFallback
)

// URL category markers, matched by containment like the upstream gates do.
const (
	completionURLMarker = "complet"
	telemetryURLMarker  = "telemetry"
)

func New(
	ctx context.Context,
	cfg *config.Config,
	router *sink.Router,
	files *sink.FileManager,
) *Pipeline {
	p := &Pipeline{
		ctx:          ctx,
		parser:       recovery.NewParser(cfg.Debug),
		classifier:   telemetry.NewClassifier(nil, cfg.EnableGeneralTelemetry, cfg.Debug),
		router:       router,
		files:        files,
		accumulators: haxmap.New[uint64, *stream.Accumulator](),
		wg:           new(sync.WaitGroup),
	}

	p.ich = make(chan concurrently.WorkFunction, cfg.QueueSize)
	p.och = concurrently.Process(ctx, p.ich, &concurrently.Options{
		PoolSize:         cfg.SinkPoolSize,
		OutChannelBuffer: cfg.QueueSize,
	})

	go p.waitForContextDone()
	go p.consumeResults()

	return p
}

func (p *Pipeline) Counters() *telemetry.Counters {
	return p.classifier.Counters()
}

// OnHeaders is the proxy hook for one direction of one flow: it registers
// and returns the accumulator that will consume that direction's chunks.
// For the response side, the not-yet-finalized request stream of the same
// flow is finalized first, as response headers mean the request body ended.
func (p *Pipeline) OnHeaders(
	flow *stream.FlowInfo,
	direction stream.Direction,
	complete stream.CompleteBodyProvider,
) *stream.Accumulator {
	if direction == stream.DirectionResponse {
		p.finalizeDirection(flow, stream.DirectionRequest)
	}

	accumulator := stream.NewAccumulator(flow, direction, complete, p.enqueue)
	p.accumulators.Set(flow.FlowID(direction), accumulator)
	return accumulator
}

// OnDone is the proxy hook for the normal end of one direction.
func (p *Pipeline) OnDone(flow *stream.FlowInfo, direction stream.Direction) {
	p.finalizeDirection(flow, direction)
}

// OnError fires when the owning flow aborts: both directions still get a
// best-effort finalize with whatever content was accumulated, so partial
// data is not silently dropped.
func (p *Pipeline) OnError(flow *stream.FlowInfo) {
	p.finalizeDirection(flow, stream.DirectionRequest)
	p.finalizeDirection(flow, stream.DirectionResponse)
}

func (p *Pipeline) finalizeDirection(flow *stream.FlowInfo, direction stream.Direction) {
	flowID := flow.FlowID(direction)
	if accumulator, ok := p.accumulators.Get(flowID); ok {
		p.accumulators.Del(flowID)
		accumulator.Done()
	}
}

// enqueue commits one finalized stream to the CPU stage. If the stage is
// saturated this blocks the finalizing caller, not the chunk path.
func (p *Pipeline) enqueue(flow *stream.FlowInfo, direction stream.Direction, content string) {
	p.ichMutex.RLock()
	defer p.ichMutex.RUnlock()

	if p.ichClosed {
		pipelineLogger.Printf("flow:%d | dropped finalized stream | context done\n",
			flow.FlowID(direction))
		return
	}

	p.wg.Add(1)
	p.ich <- &finalizedStream{
		pipeline:  p,
		flow:      flow,
		direction: direction,
		content:   content,
	}
}

func (p *Pipeline) waitForContextDone() {
	<-p.ctx.Done()

	p.ichMutex.Lock()
	defer p.ichMutex.Unlock()
	p.ichClosed = true
	close(p.ich)
}

// Run performs the CPU-bound half of processing: URL category decision,
// SSE reduction, recovery, classification. It never panics outward; a
// poisoned payload yields a skip, not a dead worker.
func (fs *finalizedStream) Run(ctx context.Context) (result interface{}) {
	defer func() {
		if r := recover(); r != nil {
			pipelineLogger.Printf("@recover | panic: %v\n%s\n", r, string(debug.Stack()))
			result = &batchResult{flow: fs.flow, direction: fs.direction, kind: batchSkip}
		}
	}()

	p, flow := fs.pipeline, fs.flow
	content := fs.content
	out := &batchResult{flow: flow, direction: fs.direction, content: content, kind: batchSkip}

	if strings.TrimSpace(content) == "" {
		return out
	}

	isCompletion := strings.Contains(flow.URL, completionURLMarker)
	isTelemetry := strings.Contains(flow.URL, telemetryURLMarker)
	if !isCompletion && !isTelemetry {
		return out
	}

	if isCompletion {
		if fs.direction == stream.DirectionResponse {
			content = recovery.ExtractStreamContent(content)
			if strings.TrimSpace(content) == "" {
				return out
			}
		}
		out.kind = batchPassthrough
		out.content = content
		return out
	}

	// telemetry: only the request side carries events
	if fs.direction == stream.DirectionResponse {
		return out
	}

	objects := p.parser.Recover(content, flow.URL)
	if len(objects) == 0 {
		out.kind = batchRawFallback
		return out
	}

	out.kind = batchTelemetry
	out.objects = objects
	for _, object := range objects {
		out.classifications = append(out.classifications, p.classifier.Classify(object, flow)...)
	}
	return out
}

// consumeResults delivers batch results in the order their streams were
// finalized.
func (p *Pipeline) consumeResults() {
	for output := range p.och {
		p.deliver(output.Value.(*batchResult))
		p.wg.Done()
	}
}

func (p *Pipeline) deliver(result *batchResult) {
	// a finalized stream is a write commitment: delivery must survive
	// cancellation of the run context, so sinks get their own context
	ctx := context.Background()

	switch result.kind {
	case batchSkip:
		return

	case batchPassthrough:
		record := sink.NewPassthroughRecord(result.flow, result.direction, result.content)
		if err := p.router.Dispatch(ctx, sink.DestinationStream, record); err != nil {
			pipelineLogger.Printf("flow:%d | passthrough dispatch: %v\n",
				result.flow.FlowID(result.direction), err)
		}

	case batchRawFallback:
		if err := p.router.DispatchRawFallback(ctx, result.flow, result.content); err != nil {
			pipelineLogger.Printf("flow:%d | raw fallback dispatch: %v\n",
				result.flow.FlowID(result.direction), err)
		}

	case batchTelemetry:
		if err := p.files.SaveBatch(result.objects, result.flow); err != nil {
			pipelineLogger.Printf("flow:%d | batch save: %v\n",
				result.flow.FlowID(result.direction), err)
		}
		for _, classification := range result.classifications {
			if classification.Action != telemetry.ActionInclude {
				continue
			}
			if err := p.router.Dispatch(ctx, sink.DestinationTelemetry, classification.Record); err != nil {
				pipelineLogger.Printf("flow:%d | telemetry dispatch: %v\n",
					result.flow.FlowID(result.direction), err)
			}
		}
	}
}

// WaitDone blocks until every finalized stream has been processed and all
// sink writes drained, or the deadline elapses.
func (p *Pipeline) WaitDone(ctx context.Context, timeout time.Duration) {
	ts := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	processed := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(processed)
	}()

	select {
	case <-processed:
		pipelineLogger.Printf("drained | latency: %v\n", time.Since(ts))
	case <-timer.C:
		pipelineLogger.Printf("timed out waiting for pipeline drain | deadline: %v\n", timeout)
	}

	if remaining := timeout - time.Since(ts); remaining > 0 {
		p.router.WaitDone(ctx, remaining)
	} else {
		p.router.WaitDone(ctx, time.Millisecond)
	}

	if err := p.files.Close(); err != nil {
		pipelineLogger.Printf("summary log close: %v\n", err)
	}
}
