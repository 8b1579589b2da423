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

package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/gchux/telemetry-tap/pkg/auth"
	"github.com/gchux/telemetry-tap/pkg/config"
	"github.com/gchux/telemetry-tap/pkg/pipeline"
	"github.com/gchux/telemetry-tap/pkg/sink"
	"github.com/gchux/telemetry-tap/pkg/stream"
)

var (
	input     = flag.String("in", "stdin", "Flow records to replay: stdin or a file path")
	chunkSize = flag.Int("chunk", 4096, "Size of the chunks fed into each stream accumulator")
	stdout    = flag.Bool("stdout", false, "Mirror every routed document to standard output")
	timeout   = flag.Int("timeout", 0, "Set replay total duration in seconds")
)

var logger = log.New(os.Stderr, "[tap] - ", log.LstdFlags)

// flowRecord is one replayed exchange: the metadata the proxy would have
// seen plus both body payloads, base64 when binary.
type flowRecord struct {
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	ClientIP       string            `json:"client_ip"`
	ConnectionID   string            `json:"connection_id"`
	Headers        map[string]string `json:"headers"`
	RequestBody    string            `json:"request_body"`
	ResponseBody   string            `json:"response_body"`
	BodiesInBase64 bool              `json:"bodies_base64"`
}

func newSinks(cfg *config.Config) []sink.Sink {
	sinks := []sink.Sink{}

	if cfg.ElasticURL != "" {
		sinks = append(sinks, sink.NewElasticSink(&sink.ElasticConfig{
			URL:      cfg.ElasticURL,
			Username: cfg.ElasticUsername,
			Password: cfg.ElasticPassword,
			Timeout:  cfg.ElasticTimeout,
			Insecure: cfg.ElasticInsecure,
		}))
	}

	if *stdout || len(sinks) == 0 {
		sinks = append(sinks, sink.NewWriterSink(os.Stdout))
	}

	return sinks
}

func main() {
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("%s", err)
	}

	ctx := context.Background()
	var cancel context.CancelFunc

	id := fmt.Sprintf("tap/%s", uuid.New())
	ctx = context.WithValue(ctx, config.ContextID, id)

	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*timeout)*time.Second)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	authManager, err := auth.NewManager(cfg.EnableAuth, cfg.CredentialsFile)
	if err != nil {
		log.Fatalf("%s", err)
	}

	allowedPatterns := []string{".*"}
	if cfg.EnableURLFiltering {
		allowedPatterns = cfg.AllowedPatterns
	}
	urlFilter, err := auth.NewURLFilter(allowedPatterns...)
	if err != nil {
		log.Fatalf("%s", err)
	}
	netFilter := auth.NewNetworkFilter(cfg.TrustedNetworks...)

	files, err := sink.NewFileManager(cfg.DataDir, cfg.EnableFileSave)
	if err != nil {
		log.Fatalf("%s", err)
	}

	router, err := sink.NewRouter(cfg.SinkPoolSize, newSinks(cfg)...)
	if err != nil {
		log.Fatalf("%s", err)
	}

	p := pipeline.New(ctx, cfg, router, files)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-signals
		cancel()
	}()

	source := os.Stdin
	if *input != "stdin" {
		source, err = os.Open(*input)
		if err != nil {
			log.Fatalf("%s", err)
		}
		defer source.Close()
	}

	logger.Printf("execution '%s' started\n", id)

	replayed := replay(ctx, source, p, authManager, urlFilter, netFilter)

	cancel()
	p.WaitDone(context.Background(), 5*time.Second)

	if snapshot, err := json.Marshal(p.Counters().Snapshot()); err == nil {
		logger.Printf("execution '%s' complete | flows: %d | %s\n", id, replayed, snapshot)
	}
}

func replay(
	ctx context.Context,
	source io.Reader,
	p *pipeline.Pipeline,
	authManager *auth.Manager,
	urlFilter *auth.URLFilter,
	netFilter *auth.NetworkFilter,
) int {
	replayed := 0

	scanner := bufio.NewScanner(source)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return replayed
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record flowRecord
		if err := json.Unmarshal(line, &record); err != nil {
			logger.Printf("skipping malformed flow record: %v\n", err)
			continue
		}

		if err := replayFlow(p, &record, authManager, urlFilter, netFilter); err != nil {
			logger.Printf("conn:%s | %v\n", record.ConnectionID, err)
			continue
		}
		replayed++
	}

	if err := scanner.Err(); err != nil {
		logger.Printf("replay input: %v\n", err)
	}

	return replayed
}

func replayFlow(
	p *pipeline.Pipeline,
	record *flowRecord,
	authManager *auth.Manager,
	urlFilter *auth.URLFilter,
	netFilter *auth.NetworkFilter,
) error {
	if !netFilter.Trusts(record.ClientIP) {
		return fmt.Errorf("untrusted client: %s", record.ClientIP)
	}

	if !urlFilter.Allows(record.URL) {
		return fmt.Errorf("filtered url: %s", record.URL)
	}

	headers := http.Header{}
	for name, value := range record.Headers {
		headers.Set(name, value)
	}

	username, err := authManager.Authorize(record.ConnectionID, headers.Get("Proxy-Authorization"))
	if err != nil {
		return err
	}
	defer authManager.Forget(record.ConnectionID)

	flow := &stream.FlowInfo{
		URL:          record.URL,
		Method:       record.Method,
		Headers:      headers,
		ClientIP:     record.ClientIP,
		ConnectionID: record.ConnectionID,
		Username:     username,
	}

	requestBody, err := decodeBody(record.RequestBody, record.BodiesInBase64)
	if err != nil {
		return fmt.Errorf("request body: %w", err)
	}
	responseBody, err := decodeBody(record.ResponseBody, record.BodiesInBase64)
	if err != nil {
		return fmt.Errorf("response body: %w", err)
	}

	feed(p.OnHeaders(flow, stream.DirectionRequest, func() []byte { return requestBody }), requestBody)
	feed(p.OnHeaders(flow, stream.DirectionResponse, func() []byte { return responseBody }), responseBody)
	p.OnDone(flow, stream.DirectionResponse)

	return nil
}

func decodeBody(body string, inBase64 bool) ([]byte, error) {
	if !inBase64 {
		return []byte(body), nil
	}
	return base64.StdEncoding.DecodeString(body)
}

// feed pushes one body through an accumulator the way the proxy would:
// bounded chunks followed by the zero-length end-of-stream chunk.
func feed(accumulator *stream.Accumulator, body []byte) {
	for len(body) > 0 {
		n := *chunkSize
		if n > len(body) {
			n = len(body)
		}
		accumulator.Write(body[:n])
		body = body[n:]
	}
	accumulator.Write(nil)
}
