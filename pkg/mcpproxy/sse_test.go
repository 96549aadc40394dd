package mcpproxy

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestWriteSSEFramesOneMessage(t *testing.T) {
	var buf bytes.Buffer
	msg := Response{JSONRPC: "2.0", ID: json.RawMessage("2"), Result: map[string]any{"ok": true}}
	if err := WriteSSE(&buf, msg); err != nil {
		t.Fatalf("WriteSSE: %v", err)
	}
	got := buf.String()
	if !bytes.HasPrefix(buf.Bytes(), []byte("event: message\ndata: ")) {
		t.Fatalf("unexpected frame prefix: %q", got)
	}
	if !bytes.HasSuffix(buf.Bytes(), []byte("\n\n")) {
		t.Fatalf("frame missing trailing blank line: %q", got)
	}
}

func TestParseSSETwoFramesPickByID(t *testing.T) {
	data := `event: message` + "\n" +
		`data: {"jsonrpc":"2.0","id":2,"result":{"ok":true}}` + "\n\n" +
		`event: message` + "\n" +
		`data: {"jsonrpc":"2.0","id":3,"result":{"ok":true}}` + "\n\n"

	responses := ParseSSE(data)
	if len(responses) != 2 {
		t.Fatalf("expected 2 parsed responses, got %d", len(responses))
	}

	picked := PickByID(responses, json.RawMessage("3"))
	if picked == nil {
		t.Fatal("expected to find response with id=3")
	}
	if string(picked.ID) != "3" {
		t.Fatalf("picked wrong response: id=%s", picked.ID)
	}
}

func TestParseSSEPickByAbsentIDFallsBackToLast(t *testing.T) {
	data := `event: message` + "\n" +
		`data: {"jsonrpc":"2.0","id":2,"result":{"ok":true}}` + "\n\n" +
		`event: message` + "\n" +
		`data: {"jsonrpc":"2.0","id":3,"result":{"ok":true}}` + "\n\n"

	responses := ParseSSE(data)
	picked := PickByID(responses, nil)
	if picked == nil {
		t.Fatal("expected a fallback pick")
	}
	if string(picked.ID) != "3" {
		t.Fatalf("expected fallback to the last response with an id, got id=%s", picked.ID)
	}
}

func TestParseSSESkipsFramesWithoutData(t *testing.T) {
	data := "event: message\n\n" + `data: {"jsonrpc":"2.0","id":1}` + "\n\n"
	responses := ParseSSE(data)
	if len(responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(responses))
	}
}
