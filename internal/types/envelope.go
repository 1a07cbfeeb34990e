package types

import (
	"bytes"
	"encoding/json"
	"regexp"
)

// MsgType enumerates the recognized envelope payload kinds.
type MsgType string

const (
	MsgDiscover       MsgType = "DISCOVER"
	MsgDiscoverResult MsgType = "DISCOVER_RESULT"
	MsgNegotiate      MsgType = "NEGOTIATE"
	MsgIntent         MsgType = "INTENT"
	MsgResult         MsgType = "RESULT"
	MsgNotification   MsgType = "NOTIFICATION"
	MsgEmailMessage   MsgType = "EMAIL_MESSAGE"
)

// didPattern matches `did:(key|web):[A-Za-z0-9._-]+` per §4.1.
var didPattern = regexp.MustCompile(`^did:(key|web):[A-Za-z0-9._-]+$`)

// ValidDID reports whether s is a syntactically valid decentralized identifier.
func ValidDID(s string) bool {
	return didPattern.MatchString(s)
}

// Envelope is the signed wire unit exchanged between agents.
type Envelope struct {
	ID          string  `json:"id"`
	TraceID     string  `json:"trace_id"`
	FromDID     string  `json:"from_did"`
	ToDID       string  `json:"to_did,omitempty"`
	MsgType     MsgType `json:"msg_type"`
	TTLSeconds  int64   `json:"ttl_seconds"`
	TimestampMS int64   `json:"timestamp_ms"`
	Signature   string  `json:"signature"`
	Payload     Value   `json:"payload"`
}

// Canonical returns the deterministic byte representation of the envelope
// used for signing: the signature field is removed and map keys are sorted
// at every level (Value.MarshalJSON already sorts nested maps).
func (e Envelope) Canonical() ([]byte, error) {
	clone := e
	clone.Signature = ""
	tmp := struct {
		ID          string  `json:"id"`
		TraceID     string  `json:"trace_id"`
		FromDID     string  `json:"from_did"`
		ToDID       string  `json:"to_did,omitempty"`
		MsgType     MsgType `json:"msg_type"`
		TTLSeconds  int64   `json:"ttl_seconds"`
		TimestampMS int64   `json:"timestamp_ms"`
		Payload     Value   `json:"payload"`
	}{clone.ID, clone.TraceID, clone.FromDID, clone.ToDID, clone.MsgType, clone.TTLSeconds, clone.TimestampMS, clone.Payload}

	// encoding/json sorts struct fields in declaration order (stable), and
	// Value.MarshalJSON sorts map keys; together this yields a canonical,
	// deterministic byte stream with no trailing whitespace.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tmp); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ExpiredAt reports whether the envelope has expired as of nowMS.
func (e Envelope) ExpiredAt(nowMS int64) bool {
	return nowMS-e.TimestampMS > e.TTLSeconds*1000
}

// IsBroadcast reports whether the envelope has no explicit recipient.
func (e Envelope) IsBroadcast() bool {
	return e.ToDID == ""
}
