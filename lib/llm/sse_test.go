// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func scanAll(t *testing.T, input string) []SSEEvent {
	t.Helper()
	scanner := NewSSEScanner(strings.NewReader(input))
	var events []SSEEvent
	for scanner.Next() {
		events = append(events, scanner.Event())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	return events
}

func TestSSEScanner(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []SSEEvent
	}{
		{
			name:  "typed events",
			input: "event: ping\ndata: {}\n\nevent: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
			want: []SSEEvent{
				{Type: "ping", Data: "{}"},
				{Type: "message_stop", Data: `{"type":"message_stop"}`},
			},
		},
		{
			name:  "multiple data lines join with newline",
			input: "data: first\ndata: second\n\n",
			want:  []SSEEvent{{Data: "first\nsecond"}},
		},
		{
			name:  "comments and unknown fields ignored",
			input: ": keepalive\nid: 7\nretry: 100\ndata: payload\n\n",
			want:  []SSEEvent{{Data: "payload"}},
		},
		{
			name:  "blank blocks skipped",
			input: "\n\n\ndata: a\n\n\n\ndata: b\n\n",
			want:  []SSEEvent{{Data: "a"}, {Data: "b"}},
		},
		{
			name:  "event type without data is dropped",
			input: "event: orphan\n\ndata: kept\n\n",
			want:  []SSEEvent{{Data: "kept"}},
		},
		{
			name:  "empty data field",
			input: "data:\n\n",
			want:  []SSEEvent{{Data: ""}},
		},
		{
			name:  "no trailing blank line",
			input: "data: one\n\ndata: two",
			want:  []SSEEvent{{Data: "one"}, {Data: "two"}},
		},
		{
			name:  "carriage returns stripped",
			input: "event: x\r\ndata: y\r\n\r\n",
			want:  []SSEEvent{{Type: "x", Data: "y"}},
		},
		{
			name:  "optional space after colon",
			input: "data:tight\n\n",
			want:  []SSEEvent{{Data: "tight"}},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := scanAll(t, test.input)
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("events mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestSSEScannerReadError(t *testing.T) {
	readErr := errors.New("connection reset")
	scanner := NewSSEScanner(failingReader{err: readErr})
	if scanner.Next() {
		t.Fatal("Next() should return false on read error")
	}
	if !errors.Is(scanner.Err(), readErr) {
		t.Fatalf("Err() = %v, want %v", scanner.Err(), readErr)
	}
	if scanner.Next() {
		t.Fatal("Next() after error should keep returning false")
	}
}
