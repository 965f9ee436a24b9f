package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version stamped on every header.
const Version = "5.0"

// ISO8601 is the wire layout for dates in headers and content.
const ISO8601 = "2006-01-02T15:04:05.000000Z07:00"

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// Header identifies one message. Date is encoded as an ISO-8601 string.
type Header struct {
	MsgID    string    `json:"msg_id"`
	MsgType  MsgType   `json:"msg_type"`
	Session  string    `json:"session"`
	Username string    `json:"username"`
	Date     time.Time `json:"date"`
	Version  string    `json:"version"`
}

// IsZero reports whether h is the empty parent header.
func (h Header) IsZero() bool {
	return h.MsgID == "" && h.MsgType == "" && h.Session == ""
}

type wireHeader struct {
	MsgID    string  `json:"msg_id"`
	MsgType  MsgType `json:"msg_type"`
	Session  string  `json:"session"`
	Username string  `json:"username"`
	Date     string  `json:"date,omitempty"`
	Version  string  `json:"version"`
}

func (h Header) MarshalJSON() ([]byte, error) {
	if h.IsZero() {
		return []byte("{}"), nil
	}
	w := wireHeader{
		MsgID:    h.MsgID,
		MsgType:  h.MsgType,
		Session:  h.Session,
		Username: h.Username,
		Version:  h.Version,
	}
	if !h.Date.IsZero() {
		w.Date = FormatDate(h.Date)
	}
	return json.Marshal(w)
}

func (h *Header) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*h = Header{}
		return nil
	}
	var w wireHeader
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Header{
		MsgID:    w.MsgID,
		MsgType:  w.MsgType,
		Session:  w.Session,
		Username: w.Username,
		Version:  w.Version,
	}
	if w.Date != "" {
		d, err := ParseDate(w.Date)
		if err != nil {
			return err
		}
		out.Date = d
	}
	*h = out
	return nil
}

// FormatDate renders t in the wire ISO-8601 layout.
func FormatDate(t time.Time) string {
	return t.Format(ISO8601)
}

// ParseDate accepts ISO-8601 timestamps with or without a zone; naive
// timestamps are read as UTC.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("protocol: invalid date %q", raw)
}

// Message is one decoded protocol message.
type Message struct {
	// Idents are the routing prefixes that preceded the delimiter.
	Idents       [][]byte
	Header       Header
	ParentHeader Header
	Metadata     map[string]any
	Content      map[string]any
	// RawContent holds the packed content frame when decoding was skipped.
	RawContent []byte
	Buffers    [][]byte
}

func (m Message) MsgID() string {
	return m.Header.MsgID
}

func (m Message) Type() MsgType {
	return m.Header.MsgType
}

// ParentID returns the msg_id of the request this message answers.
func (m Message) ParentID() string {
	return m.ParentHeader.MsgID
}

// Status returns content["status"] when present.
func (m Message) Status() string {
	s, _ := m.Content["status"].(string)
	return s
}

// ExecutionState returns content["execution_state"] for iopub status messages.
func (m Message) ExecutionState() ExecutionState {
	s, _ := m.Content["execution_state"].(string)
	return ExecutionState(s)
}

func (m Message) String() string {
	return fmt.Sprintf(
		"Message{ID: %s, Type: %s, Parent: %s, Session: %s}",
		m.Header.MsgID,
		m.Header.MsgType,
		m.ParentHeader.MsgID,
		m.Header.Session,
	)
}
