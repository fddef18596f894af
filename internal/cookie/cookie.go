// Package cookie issues and verifies stateless SYN cookies.
//
// A cookie is the initial sequence number of the SYN-ACK sent to a
// challenged client: the low 8 bits of the time bucket in the top byte and a
// 24-bit keyed MAC of the flow and bucket below it. A client completing the
// handshake acknowledges cookie+1.
package cookie

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/nshruti113/ddos-mitigator/internal/clock"
	"github.com/nshruti113/ddos-mitigator/internal/models"
)

// Granularity is the width of one time bucket. Verify accepts the current and
// the previous bucket.
const Granularity = time.Minute

const (
	secretSize = 32
	macBits    = 24
	macMask    = 1<<macBits - 1
)

// Cookie is an issued challenge token.
type Cookie uint32

// Option configures an Issuer.
type Option func(*Issuer)

func WithClock(c clock.Clock) Option {
	return func(i *Issuer) {
		if c != nil {
			i.clock = c
		}
	}
}

// WithRandom sets the source secrets are read from.
func WithRandom(r io.Reader) Option {
	return func(i *Issuer) {
		if r != nil {
			i.random = r
		}
	}
}

// Issuer derives cookies from a per-process secret. It is safe for concurrent
// use.
type Issuer struct {
	clock  clock.Clock
	random io.Reader

	mu     sync.RWMutex
	secret [secretSize]byte
}

func NewIssuer(opts ...Option) (*Issuer, error) {
	i := &Issuer{
		clock:  clock.NewRealClock(),
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(i)
	}
	if err := i.Rotate(); err != nil {
		return nil, err
	}
	return i, nil
}

// Rotate replaces the secret. Every outstanding cookie stops verifying.
func (i *Issuer) Rotate() error {
	var secret [secretSize]byte
	if _, err := io.ReadFull(i.random, secret[:]); err != nil {
		return fmt.Errorf("read cookie secret: %w", err)
	}

	i.mu.Lock()
	i.secret = secret
	i.mu.Unlock()
	return nil
}

// Issue returns the cookie for flow in the current bucket.
func (i *Issuer) Issue(flow models.Flow) Cookie {
	b := bucket(i.clock.Now())
	return Cookie(uint32(b&0xff)<<macBits | i.mac(flow, b))
}

// Verify reports whether c was issued for flow in the current or the
// previous bucket under the current secret.
func (i *Issuer) Verify(flow models.Flow, c Cookie) bool {
	now := bucket(i.clock.Now())
	tag := uint8(c >> macBits)
	got := uint32(c) & macMask

	for _, b := range [...]uint64{now, now - 1} {
		if uint8(b) != tag {
			continue
		}
		if subtle.ConstantTimeEq(int32(i.mac(flow, b)), int32(got)) == 1 {
			return true
		}
	}
	return false
}

// Fresh reports whether c carries the tag of the current or the previous
// bucket. It checks the shape of c only, not its MAC.
func (i *Issuer) Fresh(c Cookie) bool {
	now := bucket(i.clock.Now())
	tag := uint8(c >> macBits)
	return tag == uint8(now) || tag == uint8(now-1)
}

// SequenceNumber returns the SYN-ACK initial sequence number carrying c.
func SequenceNumber(c Cookie) uint32 {
	return uint32(c)
}

// FromAck recovers the cookie from the acknowledgement number of the
// handshake-completing ACK.
func FromAck(ack uint32) Cookie {
	return Cookie(ack - 1)
}

func (i *Issuer) mac(flow models.Flow, b uint64) uint32 {
	var msg [16 + 16 + 2 + 2 + 1 + 8]byte
	src, dst := flow.SrcIP.As16(), flow.DstIP.As16()
	copy(msg[0:16], src[:])
	copy(msg[16:32], dst[:])
	binary.BigEndian.PutUint16(msg[32:34], flow.SrcPort)
	binary.BigEndian.PutUint16(msg[34:36], flow.DstPort)
	msg[36] = byte(flow.Protocol)
	binary.BigEndian.PutUint64(msg[37:45], b)

	i.mu.RLock()
	h, err := blake2b.New256(i.secret[:])
	i.mu.RUnlock()
	if err != nil {
		// Only returned for keys longer than 64 bytes.
		panic(err)
	}
	h.Write(msg[:])

	var sum [blake2b.Size256]byte
	h.Sum(sum[:0])
	return binary.BigEndian.Uint32(sum[:4]) & macMask
}

func bucket(t time.Time) uint64 {
	return uint64(t.Unix()) / uint64(Granularity/time.Second)
}
