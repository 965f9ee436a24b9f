package session

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"maps"
	"math/rand"
	"os"
	"sync"
	"time"

	logs "github.com/danmuck/kernelctl/internal/logging"
	"github.com/danmuck/kernelctl/internal/protocol"
	"github.com/danmuck/kernelctl/internal/protocol/frame"
	"github.com/google/uuid"
)

var ErrNilPacker = errors.New("session: nil packer")

// Session builds, signs, serializes and verifies protocol messages.
type Session struct {
	cfg  Config
	hash func() hash.Hash
	pid  int

	mu       sync.Mutex
	digests  *digestHistory
	warnFork sync.Once
}

// New creates a Session. An empty Key yields an unsigned session.
func New(cfg Config) (*Session, error) {
	cfg = cfg.WithDefaults()
	h, err := hashForScheme(cfg.SignatureScheme)
	if err != nil {
		return nil, err
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	return &Session{
		cfg:     cfg,
		hash:    h,
		pid:     os.Getpid(),
		digests: newDigestHistory(cfg.DigestHistorySize, rand.New(rand.NewSource(time.Now().UnixNano()))),
	}, nil
}

func (s *Session) ID() string {
	return s.cfg.SessionID
}

func (s *Session) Username() string {
	return s.cfg.Username
}

func (s *Session) Key() []byte {
	return s.cfg.Key
}

func (s *Session) SignatureScheme() string {
	return s.cfg.SignatureScheme
}

// Signed reports whether messages carry an HMAC.
func (s *Session) Signed() bool {
	return len(s.cfg.Key) > 0
}

// DigestHistoryLen returns the number of remembered signatures.
func (s *Session) DigestHistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digests.len()
}

// BuildOption customizes one built message.
type BuildOption func(*protocol.Message)

// WithParent sets parent_header from a received message.
func WithParent(parent protocol.Message) BuildOption {
	return func(m *protocol.Message) { m.ParentHeader = parent.Header }
}

// WithParentHeader sets parent_header directly.
func WithParentHeader(h protocol.Header) BuildOption {
	return func(m *protocol.Message) { m.ParentHeader = h }
}

// WithHeader replaces the generated header.
func WithHeader(h protocol.Header) BuildOption {
	return func(m *protocol.Message) { m.Header = h }
}

func WithMetadata(md map[string]any) BuildOption {
	return func(m *protocol.Message) { maps.Copy(m.Metadata, md) }
}

func WithBuffers(buffers ...[]byte) BuildOption {
	return func(m *protocol.Message) { m.Buffers = append(m.Buffers, buffers...) }
}

func WithIdents(idents ...[]byte) BuildOption {
	return func(m *protocol.Message) { m.Idents = append(m.Idents, idents...) }
}

// Header returns a fresh header for msgType owned by this session.
func (s *Session) Header(msgType protocol.MsgType) protocol.Header {
	return protocol.Header{
		MsgID:    uuid.NewString(),
		MsgType:  msgType,
		Session:  s.cfg.SessionID,
		Username: s.cfg.Username,
		Date:     time.Now().UTC(),
		Version:  protocol.Version,
	}
}

// Build constructs a message with a fresh header.
func (s *Session) Build(msgType protocol.MsgType, content map[string]any, opts ...BuildOption) protocol.Message {
	if content == nil {
		content = map[string]any{}
	}
	msg := protocol.Message{
		Header:   s.Header(msgType),
		Metadata: maps.Clone(s.cfg.Metadata),
		Content:  content,
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	for _, opt := range opts {
		opt(&msg)
	}
	if msg.Header.Session == "" {
		msg.Header.Session = s.cfg.SessionID
	}
	if msg.Header.Username == "" {
		msg.Header.Username = s.cfg.Username
	}
	if msg.Header.MsgID == "" {
		msg.Header.MsgID = uuid.NewString()
	}
	if msg.Header.MsgType == "" {
		msg.Header.MsgType = msgType
	}
	if msg.Header.Date.IsZero() {
		msg.Header.Date = time.Now().UTC()
	}
	if msg.Header.Version == "" {
		msg.Header.Version = protocol.Version
	}
	return msg
}

// Sign returns the hex HMAC over parts, or "" for an unsigned session.
func (s *Session) Sign(parts ...[]byte) string {
	if !s.Signed() {
		return ""
	}
	mac := hmac.New(s.hash, s.cfg.Key)
	for _, p := range parts {
		mac.Write(p)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Serialize produces [idents..., DELIM, signature, header, parent_header,
// metadata, content, buffers...].
func (s *Session) Serialize(msg protocol.Message) ([][]byte, error) {
	s.checkPID()
	if s.cfg.Packer == nil {
		return nil, ErrNilPacker
	}
	header, err := s.cfg.Packer.Pack(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("session: pack header: %w", err)
	}
	parent, err := s.cfg.Packer.Pack(msg.ParentHeader)
	if err != nil {
		return nil, fmt.Errorf("session: pack parent_header: %w", err)
	}
	metadata, err := s.cfg.Packer.Pack(nonNil(msg.Metadata))
	if err != nil {
		return nil, fmt.Errorf("session: pack metadata: %w", err)
	}
	content := msg.RawContent
	if msg.Content != nil || content == nil {
		content, err = s.cfg.Packer.Pack(nonNil(msg.Content))
		if err != nil {
			return nil, fmt.Errorf("session: pack content: %w", err)
		}
	}

	body := make([][]byte, 0, frame.MinBodyFrames+len(msg.Buffers))
	body = append(body, []byte(s.Sign(header, parent, metadata, content)), header, parent, metadata, content)
	for _, buf := range msg.Buffers {
		if len(buf) < s.cfg.CopyThreshold {
			buf = append([]byte(nil), buf...)
		}
		body = append(body, buf)
	}
	return frame.Join(msg.Idents, body), nil
}

// DeserializeOption adjusts one Deserialize call.
type DeserializeOption func(*deserializeOptions)

type deserializeOptions struct {
	skipContent bool
}

// WithoutContent leaves the content frame packed in Message.RawContent.
// Signature and replay checks still cover it.
func WithoutContent() DeserializeOption {
	return func(o *deserializeOptions) { o.skipContent = true }
}

// Deserialize splits routing idents, verifies the signature and unpacks the
// core frames. Failures wrap protocol.ErrMalformedMessage, ErrSignature or
// ErrReplay.
func (s *Session) Deserialize(frames [][]byte, opts ...DeserializeOption) (protocol.Message, error) {
	var o deserializeOptions
	for _, opt := range opts {
		opt(&o)
	}
	idents, body, err := frame.SplitBody(frames, s.cfg.Limits)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, err)
	}

	if s.Signed() {
		sig := string(body[frame.SignatureIndex])
		if sig == "" {
			return protocol.Message{}, fmt.Errorf("%w: unsigned message", protocol.ErrSignature)
		}
		check := s.Sign(body[frame.HeaderIndex], body[frame.ParentHeaderIndex], body[frame.MetadataIndex], body[frame.ContentIndex])
		if !constantTimeEqual(sig, check) {
			return protocol.Message{}, fmt.Errorf("%w: digest mismatch", protocol.ErrSignature)
		}
		s.mu.Lock()
		if s.digests.contains(sig) {
			s.mu.Unlock()
			return protocol.Message{}, fmt.Errorf("%w: %s", protocol.ErrReplay, sig)
		}
		s.digests.add(sig)
		s.mu.Unlock()
	}

	msg := protocol.Message{Idents: idents}
	if err := s.cfg.Packer.Unpack(body[frame.HeaderIndex], &msg.Header); err != nil {
		return protocol.Message{}, fmt.Errorf("%w: header: %v", protocol.ErrMalformedMessage, err)
	}
	if err := s.cfg.Packer.Unpack(body[frame.ParentHeaderIndex], &msg.ParentHeader); err != nil {
		return protocol.Message{}, fmt.Errorf("%w: parent_header: %v", protocol.ErrMalformedMessage, err)
	}
	if err := s.cfg.Packer.Unpack(body[frame.MetadataIndex], &msg.Metadata); err != nil {
		return protocol.Message{}, fmt.Errorf("%w: metadata: %v", protocol.ErrMalformedMessage, err)
	}
	if o.skipContent {
		msg.RawContent = body[frame.ContentIndex]
	} else if err := s.cfg.Packer.Unpack(body[frame.ContentIndex], &msg.Content); err != nil {
		return protocol.Message{}, fmt.Errorf("%w: content: %v", protocol.ErrMalformedMessage, err)
	}
	msg.Metadata = nonNil(msg.Metadata)
	if !o.skipContent {
		msg.Content = nonNil(msg.Content)
	}
	if len(body) > frame.MinBodyFrames {
		msg.Buffers = body[frame.MinBodyFrames:]
	}
	return msg, nil
}

func (s *Session) checkPID() {
	if os.Getpid() == s.pid {
		return
	}
	s.warnFork.Do(func() {
		logs.Warnf("session.Session.Serialize used from pid=%d but created in pid=%d session=%s", os.Getpid(), s.pid, s.cfg.SessionID)
	})
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
