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

package telemetry

import (
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

type (
	// Counters aggregates shown/accepted completion volume across all
	// concurrent flows. Increments happen on the classification path,
	// so everything here is lock-free.
	Counters struct {
		shownLines    atomic.Int64
		shownChars    atomic.Int64
		acceptedLines atomic.Int64
		acceptedChars atomic.Int64

		byEventName *skipmap.StringMap[*atomic.Int64]
	}

	// CountersSnapshot is a point-in-time copy for stats reporting.
	CountersSnapshot struct {
		ShownLines    int64            `json:"shown_numLines"`
		ShownChars    int64            `json:"shown_charLens"`
		AcceptedLines int64            `json:"accepted_numLines"`
		AcceptedChars int64            `json:"accepted_charLens"`
		ByEventName   map[string]int64 `json:"events_by_type"`
	}
)

func NewCounters() *Counters {
	return &Counters{
		byEventName: skipmap.NewString[*atomic.Int64](),
	}
}

func (c *Counters) observe(name string) {
	counter, _ := c.byEventName.LoadOrStore(name, &atomic.Int64{})
	counter.Add(1)
}

// AddShown accumulates one shown-completion observation.
func (c *Counters) AddShown(name string, numLines, charLens float64) {
	c.shownLines.Add(int64(numLines))
	c.shownChars.Add(int64(charLens))
	c.observe(name)
}

// AddAccepted accumulates one accepted-completion observation.
func (c *Counters) AddAccepted(name string, numLines, charLens float64) {
	c.acceptedLines.Add(int64(numLines))
	c.acceptedChars.Add(int64(charLens))
	c.observe(name)
}

// Snapshot copies the counters; per-event totals iterate in name order.
func (c *Counters) Snapshot() *CountersSnapshot {
	snapshot := &CountersSnapshot{
		ShownLines:    c.shownLines.Load(),
		ShownChars:    c.shownChars.Load(),
		AcceptedLines: c.acceptedLines.Load(),
		AcceptedChars: c.acceptedChars.Load(),
		ByEventName:   make(map[string]int64, c.byEventName.Len()),
	}

	c.byEventName.Range(func(name string, counter *atomic.Int64) bool {
		snapshot.ByEventName[name] = counter.Load()
		return true
	})

	return snapshot
}
