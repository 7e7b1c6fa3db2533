package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestParseBatch(t *testing.T) {
	t.Run("single request", func(t *testing.T) {
		b, err := ParseBatch([]byte(`{"jsonrpc":"2.0","method":"ping","id":1}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if b.FromArray {
			t.Fatalf("expected single-message framing")
		}
		if got := len(b.Messages); got != 1 {
			t.Fatalf("expected 1 message, got %d", got)
		}
		if b.ExpectedReplies() != 1 {
			t.Fatalf("expected 1 expected reply, got %d", b.ExpectedReplies())
		}
	})

	t.Run("array preserves order and counts notifications separately", func(t *testing.T) {
		payload := `[
			{"jsonrpc":"2.0","method":"a","id":"x"},
			{"jsonrpc":"2.0","method":"note"},
			{"jsonrpc":"2.0","method":"b","id":2}
		]`
		b, err := ParseBatch([]byte(payload))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !b.FromArray {
			t.Fatalf("expected array framing")
		}
		if got := len(b.Requests()); got != 3 {
			t.Fatalf("expected 3 requests, got %d", got)
		}
		if got := b.ExpectedReplies(); got != 2 {
			t.Fatalf("expected 2 expected replies, got %d", got)
		}
		if b.Messages[0].Method != "a" || b.Messages[2].Method != "b" {
			t.Fatalf("order not preserved: %v", b.Messages)
		}
	})

	t.Run("bad entry does not abort the batch", func(t *testing.T) {
		payload := `[
			{"jsonrpc":"1.0","method":"old","id":7},
			{"jsonrpc":"2.0","method":"ok","id":8}
		]`
		b, err := ParseBatch([]byte(payload))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := len(b.Messages); got != 1 {
			t.Fatalf("expected 1 good message, got %d", got)
		}
		if got := len(b.Malformed); got != 1 {
			t.Fatalf("expected 1 malformed entry, got %d", got)
		}
		if b.Malformed[0].Error == nil || b.Malformed[0].Error.Code != ErrorCodeParseError {
			t.Fatalf("expected parse error response, got %+v", b.Malformed[0])
		}
		if b.Malformed[0].ID.String() != "7" {
			t.Fatalf("expected recovered id 7, got %q", b.Malformed[0].ID.String())
		}
	})

	t.Run("invalid envelope is an error", func(t *testing.T) {
		if _, err := ParseBatch([]byte(`{not json`)); err == nil {
			t.Fatalf("expected error for invalid JSON")
		}
		if _, err := ParseBatch([]byte(`[]`)); err == nil {
			t.Fatalf("expected error for empty batch")
		}
	})

	t.Run("responses split from requests", func(t *testing.T) {
		payload := `[
			{"jsonrpc":"2.0","result":{"ok":true},"id":1},
			{"jsonrpc":"2.0","method":"note"}
		]`
		b, err := ParseBatch([]byte(payload))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := len(b.Responses()); got != 1 {
			t.Fatalf("expected 1 response, got %d", got)
		}
		if got := len(b.Requests()); got != 1 {
			t.Fatalf("expected 1 request, got %d", got)
		}
		if b.ExpectedReplies() != 0 {
			t.Fatalf("expected no expected replies, got %d", b.ExpectedReplies())
		}
	})
}

func TestRequestIDRoundTrip(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`"abc"`, "abc"},
		{`42`, "42"},
		{`4.5`, "4.5"},
	}
	for _, tc := range cases {
		var id RequestID
		if err := json.Unmarshal([]byte(tc.raw), &id); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.raw, err)
		}
		if id.String() != tc.want {
			t.Fatalf("String() = %q, want %q", id.String(), tc.want)
		}
	}

	var id RequestID
	if err := json.Unmarshal([]byte(`{"x":1}`), &id); err == nil {
		t.Fatalf("expected error for object ID")
	}

	var nilID *RequestID
	if !nilID.IsNil() {
		t.Fatalf("nil pointer should be nil ID")
	}
	if nilID.String() != "" {
		t.Fatalf("nil ID should render empty")
	}
}
