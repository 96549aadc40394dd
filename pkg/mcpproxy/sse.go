package mcpproxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// WriteSSE frames msg as a single "event: message" SSE block and writes it
// to w.
func WriteSSE(w io.Writer, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: message\ndata: %s\n\n", b)
	return err
}

// ParseSSE splits a stream of "event: message\ndata: <json>\n\n" frames
// into their decoded JSON-RPC Response payloads. Frames without a "data:"
// line are skipped; malformed JSON in a data line is skipped rather than
// aborting the whole parse, since a client tolerating both JSON and SSE
// transports should be lenient about stray frames.
func ParseSSE(data string) []Response {
	var out []Response
	for _, block := range strings.Split(data, "\n\n") {
		for _, line := range strings.Split(block, "\n") {
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			var resp Response
			if err := json.Unmarshal([]byte(payload), &resp); err != nil {
				continue
			}
			out = append(out, resp)
		}
	}
	return out
}

// PickByID returns the response whose id matches want (compared as raw
// JSON text), or, if no match is found or want is nil, the last response
// in responses that carries a non-empty id.
func PickByID(responses []Response, want json.RawMessage) *Response {
	if want != nil {
		for i := range responses {
			if bytes.Equal(bytes.TrimSpace(responses[i].ID), bytes.TrimSpace(want)) {
				return &responses[i]
			}
		}
	}

	for i := len(responses) - 1; i >= 0; i-- {
		if len(responses[i].ID) > 0 {
			return &responses[i]
		}
	}
	return nil
}
