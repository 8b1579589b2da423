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
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

type (
	ElasticConfig struct {
		URL      string
		Username string
		Password string
		Timeout  time.Duration
		Insecure bool
	}

	// ElasticSink indexes documents into the destination-named index via
	// the `_doc` REST API. It is an explicitly constructed, injected
	// collaborator with process-scoped lifetime; nothing references it as
	// an ambient global.
	ElasticSink struct {
		config *ElasticConfig
		client *http.Client
	}
)

var errElasticStatus = errors.New("document store rejected index request")

func NewElasticSink(config *ElasticConfig) *ElasticSink {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ElasticSink{
		config: config,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}
}

func (s *ElasticSink) Index(ctx context.Context, destination Destination, doc *gabs.Container) error {
	body, err := json.Marshal(doc.Data())
	if err != nil {
		return errors.Wrapf(err, "encode document for %s", destination)
	}

	endpoint := strings.TrimSuffix(s.config.URL, "/") + "/" + string(destination) + "/_doc"

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "build index request for %s", destination)
	}
	request.Header.Set("Content-Type", "application/json")
	if s.config.Username != "" {
		request.SetBasicAuth(s.config.Username, s.config.Password)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return errors.Wrapf(err, "index into %s", destination)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusMultipleChoices {
		// drain a bounded preview for the fault report
		preview, _ := io.ReadAll(io.LimitReader(response.Body, 256))
		return errors.Wrapf(errElasticStatus, "%s | status:%d | %s",
			destination, response.StatusCode, string(preview))
	}

	return nil
}
