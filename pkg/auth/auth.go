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

package auth

import (
	"bufio"
	"encoding/base64"
	"errors"
	"log"
	"os"
	"regexp"
	"strings"

	"github.com/alphadose/haxmap"
)

var authLogger = log.New(os.Stderr, "[auth] - ", log.LstdFlags)

const AnonymousUser = "anonymous"

var (
	ErrMissingCredentials = errors.New("credentials file is unavailable")
	ErrMalformedHeader    = errors.New("malformed proxy authorization header")
	ErrUnknownUser        = errors.New("unknown user")
	ErrBadPassword        = errors.New("incorrect password")
	ErrForbiddenUser      = errors.New("user is not allowed to authenticate")
)

type (
	// Manager resolves connection identifiers to authenticated usernames.
	// When auth is disabled every connection resolves to the anonymous
	// user. The connection table is concurrent: the proxy authorizes on
	// its CONNECT path while header hooks read from flow callbacks.
	Manager struct {
		enabled     bool
		credentials map[string]string
		connections *haxmap.Map[string, string]
	}

	// URLFilter is the allow-list gate applied upstream of the pipeline.
	URLFilter struct {
		patterns []*regexp.Regexp
	}
)

func NewManager(enabled bool, credentialsFile string) (*Manager, error) {
	manager := &Manager{
		enabled:     enabled,
		credentials: map[string]string{},
		connections: haxmap.New[string, string](),
	}

	if !enabled {
		return manager, nil
	}

	credentials, err := loadCredentials(credentialsFile)
	if err != nil {
		return nil, err
	}
	manager.credentials = credentials

	return manager, nil
}

// loadCredentials reads `username,password` lines; blank lines are skipped.
func loadCredentials(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Join(ErrMissingCredentials, err)
	}
	defer file.Close()

	credentials := map[string]string{}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if username, password, found := strings.Cut(line, ","); found {
			credentials[username] = password
		}
	}

	return credentials, scanner.Err()
}

// Authorize validates one `Proxy-Authorization: Basic ...` header and binds
// the resolved username to the connection. An empty header binds the
// connection to the empty user rather than failing, so that the
// allow-listed unauthenticated URLs keep working.
func (m *Manager) Authorize(connectionID, proxyAuth string) (string, error) {
	if !m.enabled {
		m.connections.Set(connectionID, AnonymousUser)
		return AnonymousUser, nil
	}

	proxyAuth = strings.TrimSpace(proxyAuth)
	if proxyAuth == "" {
		m.connections.Set(connectionID, "")
		return "", nil
	}

	_, encoded, found := strings.Cut(proxyAuth, " ")
	if !found {
		return "", ErrMalformedHeader
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.Join(ErrMalformedHeader, err)
	}

	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", ErrMalformedHeader
	}

	if username == "admin" {
		return "", ErrForbiddenUser
	}

	stored, exists := m.credentials[username]
	if !exists {
		authLogger.Printf("unknown user: %s\n", username)
		return "", ErrUnknownUser
	}
	if stored != password {
		authLogger.Printf("bad password for user: %s\n", username)
		return "", ErrBadPassword
	}

	m.connections.Set(connectionID, username)
	return username, nil
}

// Username returns the user bound to a connection, or anonymous.
func (m *Manager) Username(connectionID string) string {
	if username, ok := m.connections.Get(connectionID); ok && username != "" {
		return username
	}
	return AnonymousUser
}

// Forget drops the connection binding; called when the proxy closes it.
func (m *Manager) Forget(connectionID string) {
	m.connections.Del(connectionID)
}

func NewURLFilter(patterns ...string) (*URLFilter, error) {
	filter := &URLFilter{}
	for _, pattern := range patterns {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		filter.patterns = append(filter.patterns, compiled)
	}
	return filter, nil
}

// Allows reports whether url matches any allow-list pattern.
func (f *URLFilter) Allows(url string) bool {
	for _, pattern := range f.patterns {
		if pattern.MatchString(url) {
			return true
		}
	}
	return false
}
