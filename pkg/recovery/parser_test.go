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

package recovery

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/gzip"
)

const testSourceURL = "https://copilot-telemetry.example.com/telemetry"

func TestRecoverNothing(t *testing.T) {
	parser := NewParser(false)

	t.Run("must-yield-empty-on-empty-input", func(t *testing.T) {
		if values := parser.Recover("", testSourceURL); len(values) != 0 {
			t.Fatalf("must not recover values: %d", len(values))
		}
	})

	t.Run("must-yield-empty-on-whitespace", func(t *testing.T) {
		if values := parser.Recover("  \n\t  ", testSourceURL); len(values) != 0 {
			t.Fatalf("must not recover values: %d", len(values))
		}
	})

	t.Run("must-yield-empty-on-binary-garbage", func(t *testing.T) {
		garbage := string([]byte{0x00, 0x01, 0x02, 0xfe, 0xff, 0x00, 0x7f, 0x03})
		if values := parser.Recover(garbage, "https://api.example.com/other"); len(values) != 0 {
			t.Fatalf("must not recover values: %d", len(values))
		}
	})
}

func TestRecoverSingleObject(t *testing.T) {
	parser := NewParser(false)

	values := parser.Recover(`{"data": {"baseData": {"name": "test.event"}}}`, testSourceURL)
	if len(values) != 1 {
		t.Fatalf("must recover exactly 1 value: %d", len(values))
	}

	t.Run("must-preserve-nested-fields", func(t *testing.T) {
		name, ok := values[0].Path("data.baseData.name").Data().(string)
		if !ok || name != "test.event" {
			t.Fatalf("must preserve event name: %v", values[0].Path("data.baseData.name").Data())
		}
	})
}

func TestRecoverArray(t *testing.T) {
	parser := NewParser(false)

	values := parser.Recover(`[{"a": 1}, {"b": 2}]`, testSourceURL)
	if len(values) != 2 {
		t.Fatalf("must recover 2 values from top-level array: %d", len(values))
	}

	if a, ok := values[0].Path("a").Data().(float64); !ok || a != 1 {
		t.Fatalf("must preserve first element: %v", values[0].String())
	}
}

func TestRecoverLineDelimited(t *testing.T) {
	parser := NewParser(false)

	text := `{"a": 1}
{"b": broken
{"c": 3}`

	values := parser.Recover(text, testSourceURL)

	t.Run("must-skip-corrupt-line", func(t *testing.T) {
		if len(values) != 2 {
			t.Fatalf("must recover 2 of 3 lines: %d", len(values))
		}
	})

	t.Run("must-preserve-line-order", func(t *testing.T) {
		if !values[0].Exists("a") || !values[1].Exists("c") {
			t.Fatalf("must keep well-formed neighbors in order: %s | %s",
				values[0].String(), values[1].String())
		}
	})
}

func TestRecoverConcatenatedObjects(t *testing.T) {
	parser := NewParser(false)

	t.Run("must-split-back-to-back-objects", func(t *testing.T) {
		values := parser.Recover(`{"a": 1}{"b": 2}`, testSourceURL)
		if len(values) != 2 {
			t.Fatalf("must recover 2 concatenated objects: %d", len(values))
		}
	})

	t.Run("must-not-split-inside-strings", func(t *testing.T) {
		values := parser.Recover(`{"a": "va{lue}"}{"b": 2}`, testSourceURL)
		if len(values) != 2 {
			t.Fatalf("must recover 2 concatenated objects: %d", len(values))
		}

		a, ok := values[0].Path("a").Data().(string)
		if !ok || a != "va{lue}" {
			t.Fatalf("must preserve braces inside string values: %v",
				values[0].Path("a").Data())
		}
	})

	t.Run("must-handle-escaped-quotes", func(t *testing.T) {
		values := parser.Recover(`{"a": "say \"hi\" {now}"}{"b": 2}`, testSourceURL)
		if len(values) != 2 {
			t.Fatalf("must recover 2 concatenated objects: %d", len(values))
		}
	})
}

func TestRecoverGzipPayload(t *testing.T) {
	parser := NewParser(false)

	var buffer bytes.Buffer
	writer := gzip.NewWriter(&buffer)
	if _, err := writer.Write([]byte(`{"compressed": true}`)); err != nil {
		t.Fatalf("must compress test payload: %v", err)
	}
	writer.Close()

	values := parser.Recover(buffer.String(), testSourceURL)
	if len(values) != 1 {
		t.Fatalf("must recover 1 value from gzip payload: %d", len(values))
	}

	if compressed, ok := values[0].Path("compressed").Data().(bool); !ok || !compressed {
		t.Fatalf("must decompress before parsing: %s", values[0].String())
	}
}

func TestRecoverIdempotence(t *testing.T) {
	parser := NewParser(false)

	first := parser.Recover(`{"a": 1}{"b": 2}`, testSourceURL)
	if len(first) != 2 {
		t.Fatalf("must recover 2 values: %d", len(first))
	}

	// recovering the serialized output of a recovery must not lose values
	for _, value := range first {
		again := parser.Recover(value.String(), testSourceURL)
		if len(again) != 1 {
			t.Fatalf("must recover serialized output unchanged: %d", len(again))
		}
		if again[0].String() != value.String() {
			t.Fatalf("must round-trip: %s != %s", again[0].String(), value.String())
		}
	}
}

func TestScanTopLevelObjects(t *testing.T) {
	text := `{"a": "va{lue}"}{"b": {"nested": true}}`

	spans := scanTopLevelObjects(text)
	if len(spans) != 2 {
		t.Fatalf("must find 2 top-level spans: %d", len(spans))
	}

	if got := text[spans[0].start:spans[0].end]; got != `{"a": "va{lue}"}` {
		t.Fatalf("must not split inside strings: %s", got)
	}

	if got := text[spans[1].start:spans[1].end]; got != `{"b": {"nested": true}}` {
		t.Fatalf("must keep nested objects whole: %s", got)
	}
}
