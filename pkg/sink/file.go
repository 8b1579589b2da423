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
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/easyCZ/logrotate"
	json "github.com/goccy/go-json"
	"github.com/itchyny/timefmt-go"
	"github.com/pkg/errors"
	"github.com/wissance/stringFormatter"

	"github.com/gchux/telemetry-tap/pkg/stream"
)

type (
	// FileManager persists the full ordered sequence of recovered objects
	// for a batch, one file per batch, plus a newline-delimited summary
	// log consumed by the offline analysis tools. It owns the on-disk
	// layout; callers only supply the sequence and its flow identity.
	FileManager struct {
		enabled bool
		baseDir string

		mu      sync.Mutex
		summary *logrotate.Writer
	}

	batchMetadata struct {
		Timestamp    string `json:"timestamp"`
		Username     string `json:"username"`
		ConnectionID string `json:"connectionid"`
		URL          string `json:"url"`
		TotalObjects int    `json:"total_objects"`
		Direction    string `json:"processing_direction"`
	}

	batchStatistics struct {
		EventsByType map[string]int `json:"events_by_type"`
		TotalEvents  int            `json:"total_events"`
	}

	batchFile struct {
		Metadata         batchMetadata   `json:"metadata"`
		TelemetryObjects []interface{}   `json:"telemetry_objects"`
		RawStatistics    batchStatistics `json:"raw_statistics"`
	}

	batchSummary struct {
		Timestamp    string         `json:"timestamp"`
		Date         string         `json:"date"`
		Filename     string         `json:"filename"`
		Username     string         `json:"username"`
		ConnectionID string         `json:"connectionid"`
		ObjectCount  int            `json:"object_count"`
		URL          string         `json:"url"`
		EventsByType map[string]int `json:"events_by_type"`
	}
)

func NewFileManager(baseDir string, enabled bool) (*FileManager, error) {
	manager := &FileManager{
		enabled: enabled,
		baseDir: baseDir,
	}

	if !enabled {
		return manager, nil
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create batch directory %s", baseDir)
	}

	summary, err := logrotate.New(
		log.New(os.Stderr, "[sink] - ", log.LstdFlags),
		logrotate.Options{
			Directory:            baseDir,
			MaximumLifetime:      24 * time.Hour,
			FlushAfterEveryWrite: true,
			FileNameFunc: func() string {
				return stringFormatter.Format("telemetry_summary_{0}.log",
					timefmt.Format(time.Now().UTC(), "%Y%m%d"))
			},
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "open summary log")
	}

	manager.summary = summary
	return manager, nil
}

func (m *FileManager) Enabled() bool {
	return m.enabled
}

// SaveBatch writes one batch file and appends one summary record.
// When file persistence is disabled this is a no-op.
func (m *FileManager) SaveBatch(objects []*gabs.Container, flow *stream.FlowInfo) error {
	if !m.enabled || len(objects) == 0 {
		return nil
	}

	now := time.Now().UTC()
	day := timefmt.Format(now, "%Y%m%d")

	dir := filepath.Join(m.baseDir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create batch directory %s", dir)
	}

	// HH:MM:SS.mmm, to keep parity with the summary-log consumers
	stamp := timefmt.Format(now, "%H:%M:%S.%f")
	stamp = stamp[:len(stamp)-3]

	filename := filepath.Join(dir, stringFormatter.Format(
		"telemetry_{0}_{1}_{2}.json", stamp, flow.Username, flow.ConnectionID))

	eventsByType := make(map[string]int, len(objects))
	values := make([]interface{}, 0, len(objects))
	for _, object := range objects {
		values = append(values, object.Data())
		eventsByType[eventTypeOf(object)] += 1
	}

	batch := &batchFile{
		Metadata: batchMetadata{
			Timestamp:    now.Format(time.RFC3339Nano),
			Username:     flow.Username,
			ConnectionID: flow.ConnectionID,
			URL:          flow.URL,
			TotalObjects: len(objects),
			Direction:    string(stream.DirectionRequest),
		},
		TelemetryObjects: values,
		RawStatistics: batchStatistics{
			EventsByType: eventsByType,
			TotalEvents:  len(objects),
		},
	}

	encoded, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode batch")
	}
	if err := os.WriteFile(filename, encoded, 0o644); err != nil {
		return errors.Wrapf(err, "write batch %s", filename)
	}

	return m.appendSummary(&batchSummary{
		Timestamp:    now.Format(time.RFC3339Nano),
		Date:         day,
		Filename:     filename,
		Username:     flow.Username,
		ConnectionID: flow.ConnectionID,
		ObjectCount:  len(objects),
		URL:          flow.URL,
		EventsByType: eventsByType,
	})
}

func (m *FileManager) appendSummary(summary *batchSummary) error {
	encoded, err := json.Marshal(summary)
	if err != nil {
		return errors.Wrap(err, "encode summary")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.summary.Write(append(encoded, '\n')); err != nil {
		return errors.Wrap(err, "append summary")
	}
	return nil
}

func (m *FileManager) Close() error {
	if m.summary == nil {
		return nil
	}
	return m.summary.Close()
}

// eventTypeOf labels one recovered value for the per-batch statistics:
// the base-data name for objects, a kind marker for everything else.
func eventTypeOf(value *gabs.Container) string {
	switch value.Data().(type) {
	case map[string]interface{}:
		if name, ok := value.Path("data.baseData.name").Data().(string); ok && name != "" {
			return name
		}
		return "unknown"
	case []interface{}:
		return "non_dict_list"
	case string:
		return "non_dict_str"
	case float64:
		return "non_dict_number"
	case bool:
		return "non_dict_bool"
	case nil:
		return "non_dict_null"
	default:
		return "non_dict_other"
	}
}
