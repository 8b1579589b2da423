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

package stream

import (
	"bytes"
	"log"
	"net/http"
	"os"
	"strings"
	"sync/atomic"

	"github.com/segmentio/fasthash/fnv1a"

	"github.com/gchux/telemetry-tap/pkg/recovery"
)

var streamLogger = log.New(os.Stderr, "[stream] - ", log.LstdFlags)

type (
	Direction string

	// FlowInfo is the identity of one intercepted exchange, as reported
	// by the owning proxy at header time.
	FlowInfo struct {
		URL          string
		Method       string
		Headers      http.Header
		ClientIP     string
		ConnectionID string
		Username     string
	}

	// CompleteBodyProvider exposes the proxy's own protocol-reassembled
	// body for one direction; it returns nil while the body is incomplete.
	CompleteBodyProvider = func() []byte

	// FinalizeFunc receives the single final-content decision of a stream.
	FinalizeFunc = func(flow *FlowInfo, direction Direction, content string)

	// Accumulator consumes the chunk stream of one (flow, direction) pair.
	// It implements io.Writer so the proxy can hand chunks over directly;
	// a zero-length chunk marks end of stream. Two buffers are kept in
	// parallel: the raw undecoded bytes, and a per-chunk lossy text
	// rendition. The lossy buffer exists only as a last resort, since
	// multi-byte runes split across chunk boundaries corrupt it.
	Accumulator struct {
		flow      *FlowInfo
		direction Direction
		complete  CompleteBodyProvider
		finalize  FinalizeFunc

		raw       bytes.Buffer
		content   strings.Builder
		finalized atomic.Bool
	}
)

const (
	DirectionRequest  = Direction("req")
	DirectionResponse = Direction("rsp")
)

func NewAccumulator(
	flow *FlowInfo,
	direction Direction,
	complete CompleteBodyProvider,
	finalize FinalizeFunc,
) *Accumulator {
	return &Accumulator{
		flow:      flow,
		direction: direction,
		complete:  complete,
		finalize:  finalize,
	}
}

// FlowID derives a stable identifier for one (flow, direction) pair.
func (f *FlowInfo) FlowID(direction Direction) uint64 {
	return fnv1a.HashString64(f.ConnectionID + "/" + string(direction))
}

// Write appends one chunk; it never blocks and never fails, as it executes
// on the proxy's per-connection callback path. A zero-length chunk
// triggers finalization.
func (a *Accumulator) Write(chunk []byte) (int, error) {
	if len(chunk) == 0 {
		a.Done()
		return 0, nil
	}

	if a.finalized.Load() {
		// late chunk after finalization; drop it
		return len(chunk), nil
	}

	a.raw.Write(chunk)
	a.content.WriteString(recovery.DecodeLossy(chunk))

	return len(chunk), nil
}

// Done chooses the final content of the stream and hands it downstream
// exactly once; further calls have no effect. Preference order: the
// proxy's protocol-reassembled body, then a manual decompression of the
// raw buffer, then the incrementally-decoded text.
func (a *Accumulator) Done() {
	if !a.finalized.CompareAndSwap(false, true) {
		return
	}

	var final string

	if a.complete != nil {
		if body := a.complete(); len(body) > 0 {
			final = recovery.DecodeLossy(body)
		}
	}

	if final == "" && a.raw.Len() > 0 {
		final = recovery.Decompress(a.raw.Bytes())
	}

	if final == "" {
		final = a.content.String()
	}

	flow, direction, finalize := a.flow, a.direction, a.finalize

	// release both buffers before dispatching downstream
	a.raw.Reset()
	a.content.Reset()
	a.complete = nil
	a.finalize = nil

	if finalize == nil {
		streamLogger.Printf("flow:%d | no finalizer attached\n", flow.FlowID(direction))
		return
	}

	finalize(flow, direction, final)
}

// Finalized reports whether the stream already fired its finalize logic.
func (a *Accumulator) Finalized() bool {
	return a.finalized.Load()
}
