package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Batch is the parsed form of one inbound payload: either a single JSON-RPC
// message or a JSON array of them. Entries that fail to decode do not abort
// the batch; each yields a parse-error response in Malformed, correlated by
// ID when one could be recovered from the raw entry.
type Batch struct {
	// Messages holds the entries that decoded cleanly, in payload order.
	Messages []*AnyMessage
	// Malformed holds error responses synthesized for undecodable entries.
	Malformed []*Response
	// FromArray records whether the payload was a JSON array, so the caller
	// can mirror the framing in its reply.
	FromArray bool
}

// ParseBatch decodes an inbound payload. It returns an error only when the
// payload as a whole is not valid JSON or is an empty array; individual bad
// entries are reported via Batch.Malformed.
func ParseBatch(data []byte) (*Batch, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}

	b := &Batch{}

	var entries []json.RawMessage
	if isArray(raw) {
		b.FromArray = true
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("empty batch")
		}
	} else {
		entries = []json.RawMessage{raw}
	}

	for _, entry := range entries {
		var msg AnyMessage
		if err := json.Unmarshal(entry, &msg); err != nil {
			b.Malformed = append(b.Malformed, NewErrorResponse(recoverID(entry), ErrorCodeParseError, err.Error(), nil))
			continue
		}
		b.Messages = append(b.Messages, &msg)
	}

	return b, nil
}

// Requests returns the decoded entries that carry a method, notifications
// included.
func (b *Batch) Requests() []*Request {
	var reqs []*Request
	for _, m := range b.Messages {
		if req := m.AsRequest(); req != nil {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

// Responses returns the decoded entries that are responses.
func (b *Batch) Responses() []*Response {
	var resps []*Response
	for _, m := range b.Messages {
		if res := m.AsResponse(); res != nil {
			resps = append(resps, res)
		}
	}
	return resps
}

// ExpectedReplies counts the requests that carry an ID and therefore expect
// a correlated response.
func (b *Batch) ExpectedReplies() int {
	n := 0
	for _, m := range b.Messages {
		if m.Method != "" && !m.ID.IsNil() {
			n++
		}
	}
	return n
}

func isArray(raw json.RawMessage) bool {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

// recoverID best-effort extracts an ID from an entry that failed full
// decoding, so the resulting error response can still be correlated.
func recoverID(entry json.RawMessage) *RequestID {
	var probe struct {
		ID *RequestID `json:"id"`
	}
	if err := json.Unmarshal(entry, &probe); err != nil {
		return nil
	}
	return probe.ID
}
