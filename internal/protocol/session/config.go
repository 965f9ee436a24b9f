package session

import (
	"os"
	"strings"

	"github.com/danmuck/kernelctl/internal/protocol/frame"
)

const (
	SchemeHMACSHA256  = "hmac-sha256"
	SchemeHMACSHA512  = "hmac-sha512"
	SchemeHMACSHA1    = "hmac-sha1"
	SchemeHMACMD5     = "hmac-md5"
	SchemeHMACSHA3256 = "hmac-sha3-256"

	DefaultDigestHistorySize = 1 << 16
	DefaultCopyThreshold     = 1 << 16
)

// Config defines signing and serialization settings for one Session.
type Config struct {
	// Key signs every message; empty disables signing.
	Key             []byte
	SignatureScheme string
	// SessionID is generated when empty.
	SessionID string
	Username  string
	Packer    Packer
	// DigestHistorySize bounds the replay history before culling.
	DigestHistorySize int
	// Buffers smaller than CopyThreshold are copied before sending.
	CopyThreshold int
	Limits        frame.Limits
	// Metadata is merged under every message's own metadata.
	Metadata map[string]any
}

// DefaultConfig returns an unsigned session config with JSON packing.
func DefaultConfig() Config {
	return Config{
		SignatureScheme:   SchemeHMACSHA256,
		Username:          defaultUsername(),
		Packer:            JSONPacker{},
		DigestHistorySize: DefaultDigestHistorySize,
		CopyThreshold:     DefaultCopyThreshold,
		Limits:            frame.DefaultLimits(),
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.SignatureScheme) == "" {
		c.SignatureScheme = def.SignatureScheme
	}
	if strings.TrimSpace(c.Username) == "" {
		c.Username = def.Username
	}
	if c.Packer == nil {
		c.Packer = def.Packer
	}
	if c.DigestHistorySize <= 0 {
		c.DigestHistorySize = def.DigestHistorySize
	}
	if c.CopyThreshold <= 0 {
		c.CopyThreshold = def.CopyThreshold
	}
	if c.Limits == (frame.Limits{}) {
		c.Limits = def.Limits
	}
	return c
}

func defaultUsername() string {
	for _, env := range []string{"USER", "USERNAME", "LOGNAME"} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
	}
	return "username"
}
