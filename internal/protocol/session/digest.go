package session

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"math/rand"
	"strings"

	"github.com/danmuck/kernelctl/internal/protocol"
	"golang.org/x/crypto/sha3"
)

func hashForScheme(scheme string) (func() hash.Hash, error) {
	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case SchemeHMACSHA256:
		return sha256.New, nil
	case SchemeHMACSHA512:
		return sha512.New, nil
	case SchemeHMACSHA1:
		return sha1.New, nil
	case SchemeHMACMD5:
		return md5.New, nil
	case SchemeHMACSHA3256:
		return sha3.New256, nil
	default:
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnsupportedScheme, scheme)
	}
}

// digestHistory is a bounded set of accepted signatures.
type digestHistory struct {
	limit int
	seen  map[string]struct{}
	rng   *rand.Rand
}

func newDigestHistory(limit int, rng *rand.Rand) *digestHistory {
	return &digestHistory{
		limit: limit,
		seen:  make(map[string]struct{}),
		rng:   rng,
	}
}

func (d *digestHistory) contains(sig string) bool {
	_, ok := d.seen[sig]
	return ok
}

func (d *digestHistory) add(sig string) {
	d.seen[sig] = struct{}{}
	if len(d.seen) > d.limit {
		d.cull()
	}
}

// cull drops a random 10% of the history, or enough to get back under the
// limit if that is more.
func (d *digestHistory) cull() {
	current := len(d.seen)
	n := max(current/10, current-d.limit)
	if n >= current {
		d.seen = make(map[string]struct{})
		return
	}
	keys := make([]string, 0, current)
	for k := range d.seen {
		keys = append(keys, k)
	}
	d.rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	for _, k := range keys[:n] {
		delete(d.seen, k)
	}
}

func (d *digestHistory) len() int {
	return len(d.seen)
}

func constantTimeEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
