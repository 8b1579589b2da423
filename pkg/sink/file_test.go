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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Jeffail/gabs/v2"
	json "github.com/goccy/go-json"
)

func newBatchObjects(t *testing.T) []*gabs.Container {
	t.Helper()

	var objects []*gabs.Container
	for _, payload := range []string{
		`{"data": {"baseData": {"name": "copilot/ghostText.shown"}}}`,
		`{"data": {"baseData": {"name": "copilot/ghostText.shown"}}}`,
		`"stray string"`,
	} {
		var value interface{}
		if err := json.Unmarshal([]byte(payload), &value); err != nil {
			t.Fatalf("must build test object: %v", err)
		}
		objects = append(objects, gabs.Wrap(value))
	}
	return objects
}

func TestSaveBatch(t *testing.T) {
	baseDir := t.TempDir()

	manager, err := NewFileManager(baseDir, true)
	if err != nil {
		t.Fatalf("must build file manager: %v", err)
	}

	if err := manager.SaveBatch(newBatchObjects(t), newTestFlow()); err != nil {
		t.Fatalf("must save batch: %v", err)
	}

	// close flushes the summary log so it can be read back below
	if err := manager.Close(); err != nil {
		t.Fatalf("must close summary log: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(baseDir, "*", "telemetry_*.json"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("must write exactly 1 batch file: %v | %v", matches, err)
	}

	encoded, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("must read batch file: %v", err)
	}

	var batch batchFile
	if err := json.Unmarshal(encoded, &batch); err != nil {
		t.Fatalf("must decode batch file: %v", err)
	}

	t.Run("must-carry-flow-identity", func(t *testing.T) {
		if batch.Metadata.Username != "tester" || batch.Metadata.ConnectionID != "conn-0001" {
			t.Fatalf("must carry flow identity: %+v", batch.Metadata)
		}
	})

	t.Run("must-keep-every-object-in-order", func(t *testing.T) {
		if batch.Metadata.TotalObjects != 3 || len(batch.TelemetryObjects) != 3 {
			t.Fatalf("must keep all objects: %+v", batch.Metadata)
		}
	})

	t.Run("must-count-events-by-type", func(t *testing.T) {
		stats := batch.RawStatistics
		if stats.TotalEvents != 3 ||
			stats.EventsByType["copilot/ghostText.shown"] != 2 ||
			stats.EventsByType["non_dict_str"] != 1 {
			t.Fatalf("must count events by type: %+v", stats)
		}
	})

	t.Run("must-append-summary-line", func(t *testing.T) {
		summaries, err := filepath.Glob(filepath.Join(baseDir, "telemetry_summary_*.log"))
		if err != nil || len(summaries) != 1 {
			t.Fatalf("must write exactly 1 summary log: %v | %v", summaries, err)
		}

		content, err := os.ReadFile(summaries[0])
		if err != nil {
			t.Fatalf("must read summary log: %v", err)
		}

		var summary batchSummary
		line := strings.TrimSpace(string(content))
		if err := json.Unmarshal([]byte(line), &summary); err != nil {
			t.Fatalf("must decode summary line: %v", err)
		}
		if summary.ObjectCount != 3 || summary.Filename != matches[0] {
			t.Fatalf("must describe the batch file: %+v", summary)
		}
	})
}

func TestSaveBatchDisabled(t *testing.T) {
	baseDir := t.TempDir()

	manager, err := NewFileManager(filepath.Join(baseDir, "never-created"), false)
	if err != nil {
		t.Fatalf("must build disabled file manager: %v", err)
	}
	defer manager.Close()

	if err := manager.SaveBatch(newBatchObjects(t), newTestFlow()); err != nil {
		t.Fatalf("must be a no-op: %v", err)
	}

	if _, err := os.Stat(filepath.Join(baseDir, "never-created")); !os.IsNotExist(err) {
		t.Fatalf("must not touch the filesystem when disabled: %v", err)
	}
}
