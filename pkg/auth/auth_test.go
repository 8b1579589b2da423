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
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func basicHeader(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	path := filepath.Join(t.TempDir(), "creds.txt")
	if err := os.WriteFile(path, []byte("alice,secret\nbob,hunter2\n\n"), 0o600); err != nil {
		t.Fatalf("must write credentials file: %v", err)
	}

	manager, err := NewManager(true, path)
	if err != nil {
		t.Fatalf("must load credentials: %v", err)
	}
	return manager
}

func TestAuthorize(t *testing.T) {
	manager := newTestManager(t)

	t.Run("must-accept-known-user", func(t *testing.T) {
		username, err := manager.Authorize("conn-1", basicHeader("alice", "secret"))
		if err != nil || username != "alice" {
			t.Fatalf("must authorize alice: %q | %v", username, err)
		}

		if got := manager.Username("conn-1"); got != "alice" {
			t.Fatalf("must bind the connection: %q", got)
		}
	})

	t.Run("must-reject-bad-password", func(t *testing.T) {
		if _, err := manager.Authorize("conn-2", basicHeader("alice", "wrong")); !errors.Is(err, ErrBadPassword) {
			t.Fatalf("must reject bad password: %v", err)
		}
	})

	t.Run("must-reject-unknown-user", func(t *testing.T) {
		if _, err := manager.Authorize("conn-3", basicHeader("mallory", "x")); !errors.Is(err, ErrUnknownUser) {
			t.Fatalf("must reject unknown user: %v", err)
		}
	})

	t.Run("must-reject-admin", func(t *testing.T) {
		if _, err := manager.Authorize("conn-4", basicHeader("admin", "x")); !errors.Is(err, ErrForbiddenUser) {
			t.Fatalf("must reject admin: %v", err)
		}
	})

	t.Run("must-reject-malformed-header", func(t *testing.T) {
		if _, err := manager.Authorize("conn-5", "Basic not-base64!!!"); !errors.Is(err, ErrMalformedHeader) {
			t.Fatalf("must reject malformed header: %v", err)
		}
	})

	t.Run("must-bind-empty-header-to-empty-user", func(t *testing.T) {
		username, err := manager.Authorize("conn-6", "")
		if err != nil || username != "" {
			t.Fatalf("must allow unauthenticated connections through: %q | %v", username, err)
		}

		if got := manager.Username("conn-6"); got != AnonymousUser {
			t.Fatalf("must fall back to anonymous: %q", got)
		}
	})
}

func TestAuthorizeDisabled(t *testing.T) {
	manager, err := NewManager(false, "does-not-exist.txt")
	if err != nil {
		t.Fatalf("must not read credentials when disabled: %v", err)
	}

	username, err := manager.Authorize("conn-1", "")
	if err != nil || username != AnonymousUser {
		t.Fatalf("must resolve every connection to anonymous: %q | %v", username, err)
	}
}

func TestForget(t *testing.T) {
	manager := newTestManager(t)

	if _, err := manager.Authorize("conn-1", basicHeader("bob", "hunter2")); err != nil {
		t.Fatalf("must authorize bob: %v", err)
	}

	manager.Forget("conn-1")

	if got := manager.Username("conn-1"); got != AnonymousUser {
		t.Fatalf("must drop the binding: %q", got)
	}
}

func TestMissingCredentialsFile(t *testing.T) {
	if _, err := NewManager(true, "does-not-exist.txt"); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("must surface the missing file: %v", err)
	}
}

func TestURLFilter(t *testing.T) {
	filter, err := NewURLFilter(`copilot-telemetry\..*`, `.*\.example\.com/complet.*`)
	if err != nil {
		t.Fatalf("must compile patterns: %v", err)
	}

	if !filter.Allows("https://copilot-telemetry.example.com/telemetry") {
		t.Fatalf("must allow matching urls")
	}

	if filter.Allows("https://other.example.org/api") {
		t.Fatalf("must reject non-matching urls")
	}
}

func TestNetworkFilter(t *testing.T) {
	filter := NewNetworkFilter("10.0.0.0/8", "::1/128")

	t.Run("must-trust-covered-IPv4", func(t *testing.T) {
		if !filter.Trusts("10.20.30.40") {
			t.Fatalf("must trust 10.20.30.40")
		}
	})

	t.Run("must-reject-outside-IPv4", func(t *testing.T) {
		if filter.Trusts("192.168.1.1") {
			t.Fatalf("must not trust 192.168.1.1")
		}
	})

	t.Run("must-trust-covered-IPv6", func(t *testing.T) {
		if !filter.Trusts("::1") {
			t.Fatalf("must trust ::1")
		}
	})

	t.Run("must-reject-unparseable", func(t *testing.T) {
		if filter.Trusts("not-an-ip") {
			t.Fatalf("must not trust unparseable input")
		}
	})

	t.Run("must-trust-all-when-empty", func(t *testing.T) {
		if !NewNetworkFilter().Trusts("203.0.113.9") {
			t.Fatalf("empty filter must trust everything")
		}
	})
}
