package session

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/kernelctl/internal/protocol"
	"github.com/danmuck/kernelctl/internal/protocol/frame"
	"github.com/danmuck/kernelctl/internal/testutil/testlog"
)

func newSigned(t *testing.T, key string) *Session {
	t.Helper()
	s, err := New(Config{Key: []byte(key)})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	testlog.Start(t)
	s := newSigned(t, "secret")

	parent := s.Build(protocol.ExecuteRequest, map[string]any{"code": "1+1"})
	msg := s.Build(protocol.ExecuteReply, map[string]any{"status": "ok", "execution_count": 1},
		WithParent(parent),
		WithIdents([]byte("peer-a")),
		WithMetadata(map[string]any{"engine": "e1"}),
		WithBuffers([]byte("raw")),
	)

	frames, err := s.Serialize(msg)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !bytes.Equal(frames[0], []byte("peer-a")) || !bytes.Equal(frames[1], frame.Delimiter) {
		t.Fatalf("unexpected prefix: %q", frames[:2])
	}

	got, err := s.Deserialize(frames)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if got.MsgID() != msg.MsgID() || got.Type() != protocol.ExecuteReply {
		t.Fatalf("header mismatch: %s", got)
	}
	if got.ParentID() != parent.MsgID() {
		t.Fatalf("parent mismatch: got=%q want=%q", got.ParentID(), parent.MsgID())
	}
	if got.Status() != protocol.StatusOK {
		t.Fatalf("status mismatch: %v", got.Content)
	}
	if got.Metadata["engine"] != "e1" {
		t.Fatalf("metadata mismatch: %v", got.Metadata)
	}
	if len(got.Buffers) != 1 || string(got.Buffers[0]) != "raw" {
		t.Fatalf("buffers mismatch: %q", got.Buffers)
	}
	if !got.Header.Date.Equal(msg.Header.Date.Truncate(1000)) {
		t.Fatalf("date mismatch: got=%v want=%v", got.Header.Date, msg.Header.Date)
	}
}

func TestTamperedFramesFailSignature(t *testing.T) {
	testlog.Start(t)
	for _, idx := range []int{frame.HeaderIndex, frame.ParentHeaderIndex, frame.MetadataIndex, frame.ContentIndex} {
		s := newSigned(t, "secret")
		frames, err := s.Serialize(s.Build(protocol.KernelInfoRequest, nil))
		if err != nil {
			t.Fatalf("serialize: %v", err)
		}
		// frames[0] is the delimiter; the body starts at 1.
		frames[1+idx] = append(append([]byte(nil), frames[1+idx]...), ' ')
		if _, err := s.Deserialize(frames); !errors.Is(err, protocol.ErrSignature) {
			t.Fatalf("frame %d: expected ErrSignature, got %v", idx, err)
		}
	}
}

func TestWrongKeyFailsSignature(t *testing.T) {
	testlog.Start(t)
	a := newSigned(t, "one")
	b := newSigned(t, "two")
	frames, err := a.Serialize(a.Build(protocol.KernelInfoRequest, nil))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if _, err := b.Deserialize(frames); !errors.Is(err, protocol.ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
}

func TestUnsignedMessageRejectedBySignedSession(t *testing.T) {
	testlog.Start(t)
	plain, err := New(Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	frames, err := plain.Serialize(plain.Build(protocol.KernelInfoRequest, nil))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if len(frames[1]) != 0 {
		t.Fatalf("expected empty signature, got %q", frames[1])
	}
	if _, err := plain.Deserialize(frames); err != nil {
		t.Fatalf("unsigned session should accept: %v", err)
	}
	if _, err := newSigned(t, "k").Deserialize(frames); !errors.Is(err, protocol.ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
}

func TestReplayRejected(t *testing.T) {
	testlog.Start(t)
	s := newSigned(t, "secret")
	frames, err := s.Serialize(s.Build(protocol.ExecuteRequest, map[string]any{"code": "x"}))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if _, err := s.Deserialize(frames); err != nil {
		t.Fatalf("first deserialize: %v", err)
	}
	if _, err := s.Deserialize(frames); !errors.Is(err, protocol.ErrReplay) {
		t.Fatalf("expected ErrReplay, got %v", err)
	}
	if s.DigestHistoryLen() != 1 {
		t.Fatalf("expected one recorded digest, got %d", s.DigestHistoryLen())
	}
}

func TestBadSignatureNotRecorded(t *testing.T) {
	testlog.Start(t)
	s := newSigned(t, "secret")
	frames, _ := s.Serialize(s.Build(protocol.ExecuteRequest, nil))
	frames[1] = []byte("deadbeef")
	if _, err := s.Deserialize(frames); !errors.Is(err, protocol.ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
	if s.DigestHistoryLen() != 0 {
		t.Fatalf("rejected digest should not be recorded")
	}
}

func TestMalformedMessages(t *testing.T) {
	testlog.Start(t)
	s := newSigned(t, "secret")
	cases := map[string][][]byte{
		"no delimiter": {[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")},
		"short body":   {frame.Delimiter, []byte("sig"), []byte("{}"), []byte("{}")},
	}
	for name, frames := range cases {
		if _, err := s.Deserialize(frames); !errors.Is(err, protocol.ErrMalformedMessage) {
			t.Fatalf("%s: expected ErrMalformedMessage, got %v", name, err)
		}
	}

	plain, _ := New(Config{})
	bad := [][]byte{frame.Delimiter, nil, []byte("{not json"), []byte("{}"), []byte("{}"), []byte("{}")}
	if _, err := plain.Deserialize(bad); !errors.Is(err, protocol.ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage for bad json, got %v", err)
	}
}

func TestSchemes(t *testing.T) {
	testlog.Start(t)
	for _, scheme := range []string{SchemeHMACSHA256, SchemeHMACSHA512, SchemeHMACSHA1, SchemeHMACMD5, SchemeHMACSHA3256} {
		s, err := New(Config{Key: []byte("k"), SignatureScheme: scheme})
		if err != nil {
			t.Fatalf("%s: %v", scheme, err)
		}
		frames, err := s.Serialize(s.Build(protocol.KernelInfoRequest, nil))
		if err != nil {
			t.Fatalf("%s serialize: %v", scheme, err)
		}
		if _, err := s.Deserialize(frames); err != nil {
			t.Fatalf("%s deserialize: %v", scheme, err)
		}
	}
	if _, err := New(Config{Key: []byte("k"), SignatureScheme: "hmac-whirlpool"}); !errors.Is(err, protocol.ErrUnsupportedScheme) {
		t.Fatalf("expected ErrUnsupportedScheme, got %v", err)
	}
}

func TestDigestHistoryCull(t *testing.T) {
	testlog.Start(t)
	d := newDigestHistory(100, rand.New(rand.NewSource(1)))
	for i := 0; i < 100; i++ {
		d.add(string(rune('A' + i)))
	}
	if d.len() != 100 {
		t.Fatalf("expected full history, got %d", d.len())
	}
	d.add("overflow")
	// 101 entries: cull max(101/10, 1) = 10.
	if d.len() != 91 {
		t.Fatalf("expected 91 after cull, got %d", d.len())
	}
}

func TestSmallBuffersAreCopied(t *testing.T) {
	testlog.Start(t)
	s, _ := New(Config{CopyThreshold: 8})
	small := []byte("abc")
	large := []byte("0123456789")
	frames, err := s.Serialize(s.Build(protocol.Stream, nil, WithBuffers(small, large)))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	small[0] = 'x'
	large[0] = 'x'
	if frames[len(frames)-2][0] != 'a' {
		t.Fatalf("small buffer should be copied")
	}
	if frames[len(frames)-1][0] != 'x' {
		t.Fatalf("large buffer should be shared")
	}
}

func TestDatesInContentBecomeISO8601(t *testing.T) {
	testlog.Start(t)
	s := newSigned(t, "secret")
	when := time.Date(2024, 3, 9, 12, 30, 45, 123456789, time.UTC)
	zoned := time.Date(2024, 3, 9, 14, 30, 45, 0, time.FixedZone("", 2*3600))

	msg := s.Build(protocol.ExecuteResult, map[string]any{
		"when":  when,
		"ptr":   &zoned,
		"list":  []map[string]any{{"t": when}},
		"mixed": []any{when, map[string]any{"deep": []any{zoned}}, 7},
	})
	frames, err := s.Serialize(msg)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, err := s.Deserialize(frames)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	const utc = "2024-03-09T12:30:45.123456Z"
	const plus2 = "2024-03-09T14:30:45.000000+02:00"
	c := got.Content
	if c["when"] != utc || c["ptr"] != plus2 {
		t.Fatalf("top-level dates: when=%v ptr=%v", c["when"], c["ptr"])
	}
	list, _ := c["list"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["t"] != utc {
		t.Fatalf("list dates: %v", c["list"])
	}
	mixed, _ := c["mixed"].([]any)
	if len(mixed) != 3 || mixed[0] != utc || mixed[2] != float64(7) {
		t.Fatalf("mixed: %v", c["mixed"])
	}
	deep := mixed[1].(map[string]any)["deep"].([]any)
	if deep[0] != plus2 {
		t.Fatalf("nested date: %v", deep)
	}
	parsed, err := protocol.ParseDate(c["when"].(string))
	if err != nil || !parsed.Equal(when.Truncate(time.Microsecond)) {
		t.Fatalf("parse back: %v %v", parsed, err)
	}
}

func TestWithoutContentKeepsPackedContent(t *testing.T) {
	testlog.Start(t)
	sender := newSigned(t, "secret")
	frames, err := sender.Serialize(sender.Build(protocol.ExecuteRequest, map[string]any{"code": "x"}))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	relay := newSigned(t, "secret")
	got, err := relay.Deserialize(frames, WithoutContent())
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if got.Content != nil || string(got.RawContent) != string(frames[len(frames)-1]) {
		t.Fatalf("content=%v raw=%q", got.Content, got.RawContent)
	}
	if got.Type() != protocol.ExecuteRequest {
		t.Fatalf("header still decoded: %s", got)
	}
	if _, err := relay.Deserialize(frames, WithoutContent()); !errors.Is(err, protocol.ErrReplay) {
		t.Fatalf("expected ErrReplay, got %v", err)
	}

	// Re-serializing forwards the packed content unchanged.
	out, err := relay.Serialize(got)
	if err != nil {
		t.Fatalf("re-serialize: %v", err)
	}
	decoded, err := newSigned(t, "secret").Deserialize(out)
	if err != nil || decoded.Content["code"] != "x" {
		t.Fatalf("forwarded content=%v err=%v", decoded.Content, err)
	}

	tampered := append([][]byte(nil), frames...)
	tampered[len(tampered)-1] = []byte(`{"code":"y"}`)
	if _, err := newSigned(t, "secret").Deserialize(tampered, WithoutContent()); !errors.Is(err, protocol.ErrSignature) {
		t.Fatalf("expected ErrSignature for tampered content, got %v", err)
	}
}
