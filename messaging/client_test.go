// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/courier/lib/ref"
)

func TestNewClient(t *testing.T) {
	t.Run("valid URL", func(t *testing.T) {
		client, err := NewClient(ClientConfig{HomeserverURL: "http://localhost:6167"})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client == nil {
			t.Fatal("NewClient returned nil")
		}
	})

	t.Run("empty URL", func(t *testing.T) {
		_, err := NewClient(ClientConfig{})
		if err == nil {
			t.Fatal("expected error for empty URL")
		}
	})

	t.Run("invalid URL", func(t *testing.T) {
		_, err := NewClient(ClientConfig{HomeserverURL: "://invalid"})
		if err == nil {
			t.Fatal("expected error for invalid URL")
		}
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := NewClient(ClientConfig{HomeserverURL: "ftp://example.org"})
		if err == nil {
			t.Fatal("expected error for ftp URL")
		}
	})
}

func TestLogin(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			if request.URL.Path != "/_matrix/client/v3/login" {
				t.Errorf("unexpected path: %s", request.URL.Path)
			}
			if request.Method != http.MethodPost {
				t.Errorf("unexpected method: %s", request.Method)
			}
			if agent := request.Header.Get("User-Agent"); !strings.HasPrefix(agent, "courier/") {
				t.Errorf("unexpected user agent: %q", agent)
			}

			var body LoginRequest
			if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode request: %v", err)
			}
			if body.Type != "m.login.password" {
				t.Errorf("unexpected login type: %s", body.Type)
			}
			if body.Identifier == nil || body.Identifier.User != "courier" {
				t.Errorf("unexpected identifier: %+v", body.Identifier)
			}
			if body.Password != "hunter2" {
				t.Errorf("unexpected password: %s", body.Password)
			}

			writeJSON(writer, AuthResponse{
				UserID:      ref.MustParseUserID("@courier:test.local"),
				AccessToken: "syt_courier_token",
				DeviceID:    "DEVICE1",
			})
		}))
		defer server.Close()

		client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		session, err := client.Login(context.Background(), "courier", "hunter2")
		if err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		if session.UserID().String() != "@courier:test.local" {
			t.Errorf("unexpected user ID: %s", session.UserID())
		}
		if session.DeviceID() != "DEVICE1" {
			t.Errorf("unexpected device ID: %s", session.DeviceID())
		}
	})

	t.Run("bad credentials", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			writer.Header().Set("Content-Type", "application/json")
			writer.WriteHeader(http.StatusForbidden)
			json.NewEncoder(writer).Encode(MatrixError{Code: ErrCodeForbidden, Message: "Invalid password"})
		}))
		defer server.Close()

		client, _ := NewClient(ClientConfig{HomeserverURL: server.URL})
		_, err := client.Login(context.Background(), "courier", "wrong")
		if !IsMatrixError(err, ErrCodeForbidden) {
			t.Fatalf("expected M_FORBIDDEN, got %v", err)
		}
	})

	t.Run("missing arguments", func(t *testing.T) {
		client, _ := NewClient(ClientConfig{HomeserverURL: "http://localhost"})
		if _, err := client.Login(context.Background(), "", "x"); err == nil {
			t.Error("expected error for empty username")
		}
		if _, err := client.Login(context.Background(), "courier", ""); err == nil {
			t.Error("expected error for empty password")
		}
	})
}

func TestMatrixError(t *testing.T) {
	t.Run("structured body", func(t *testing.T) {
		_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			writer.Header().Set("Content-Type", "application/json")
			writer.WriteHeader(http.StatusTooManyRequests)
			writer.Write([]byte(`{"errcode":"M_LIMIT_EXCEEDED","error":"Too many requests","retry_after_ms":2500}`))
		}))

		_, err := session.WhoAmI(context.Background())
		var matrixErr *MatrixError
		if !errors.As(err, &matrixErr) {
			t.Fatalf("expected *MatrixError, got %T: %v", err, err)
		}
		if matrixErr.Code != ErrCodeLimitExceeded || matrixErr.StatusCode != http.StatusTooManyRequests {
			t.Errorf("unexpected error: %+v", matrixErr)
		}
		if got := matrixErr.RetryAfter(); got != 2500*time.Millisecond {
			t.Errorf("RetryAfter = %v, want 2.5s", got)
		}
	})

	t.Run("retry-after header", func(t *testing.T) {
		_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			writer.Header().Set("Retry-After", "3")
			writer.WriteHeader(http.StatusTooManyRequests)
			writer.Write([]byte(`{"errcode":"M_LIMIT_EXCEEDED","error":"slow down"}`))
		}))

		_, err := session.WhoAmI(context.Background())
		var matrixErr *MatrixError
		if !errors.As(err, &matrixErr) {
			t.Fatalf("expected *MatrixError, got %v", err)
		}
		if got := matrixErr.RetryAfter(); got != 3*time.Second {
			t.Errorf("RetryAfter = %v, want 3s", got)
		}
	})

	t.Run("non-JSON gateway error", func(t *testing.T) {
		_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			writer.WriteHeader(http.StatusBadGateway)
			writer.Write([]byte("<html>Bad Gateway</html>"))
		}))

		_, err := session.WhoAmI(context.Background())
		var matrixErr *MatrixError
		if !errors.As(err, &matrixErr) {
			t.Fatalf("expected *MatrixError, got %v", err)
		}
		if matrixErr.StatusCode != http.StatusBadGateway || matrixErr.Code != ErrCodeUnknown {
			t.Errorf("unexpected error: %+v", matrixErr)
		}
		if !strings.Contains(matrixErr.Message, "Bad Gateway") {
			t.Errorf("message should carry the body: %q", matrixErr.Message)
		}
	})

	t.Run("IsMatrixError", func(t *testing.T) {
		err := &MatrixError{Code: ErrCodeNotFound, StatusCode: 404}
		if !IsMatrixError(err, ErrCodeNotFound) {
			t.Error("expected M_NOT_FOUND match")
		}
		if IsMatrixError(err, ErrCodeForbidden) {
			t.Error("unexpected M_FORBIDDEN match")
		}
		if IsMatrixError(errors.New("plain"), ErrCodeNotFound) {
			t.Error("plain error must not match")
		}
		if (&MatrixError{}).RetryAfter() != 0 {
			t.Error("RetryAfter without hint should be zero")
		}
	})
}
