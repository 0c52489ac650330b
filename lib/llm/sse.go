// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// SSEEvent is one Server-Sent Event.
type SSEEvent struct {
	// Type is the "event:" field, empty for the default event type.
	Type string

	// Data joins the event's "data:" lines with newlines.
	Data string
}

// SSEScanner reads Server-Sent Events from an [io.Reader]. Events are
// separated by blank lines; comment lines (":") and fields other than
// "event" and "data" are ignored.
//
//	scanner := NewSSEScanner(body)
//	for scanner.Next() {
//	    event := scanner.Event()
//	}
//	if err := scanner.Err(); err != nil {
//	    return err
//	}
type SSEScanner struct {
	reader  *bufio.Reader
	current SSEEvent
	err     error
}

// NewSSEScanner creates a scanner over reader.
func NewSSEScanner(reader io.Reader) *SSEScanner {
	return &SSEScanner{reader: bufio.NewReaderSize(reader, 64*1024)}
}

// Next advances to the next event. It returns false at the end of the
// stream or on a read error; Err tells them apart. A final event not
// followed by a blank line is still delivered.
func (scanner *SSEScanner) Next() bool {
	scanner.current = SSEEvent{}
	if scanner.err != nil {
		return false
	}

	var (
		eventType string
		data      []string
	)
	emit := func() bool {
		scanner.current = SSEEvent{Type: eventType, Data: strings.Join(data, "\n")}
		return true
	}

	for {
		line, err := scanner.reader.ReadString('\n')
		if err != nil && line == "" {
			scanner.err = err
			if errors.Is(err, io.EOF) && data != nil {
				return emit()
			}
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if data != nil {
				return emit()
			}
			eventType = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			eventType = value
		}
	}
}

// Event returns the event read by the last successful Next.
func (scanner *SSEScanner) Event() SSEEvent { return scanner.current }

// Err returns the read error that ended scanning, or nil for a clean
// end of stream.
func (scanner *SSEScanner) Err() error {
	if errors.Is(scanner.err, io.EOF) {
		return nil
	}
	return scanner.err
}
