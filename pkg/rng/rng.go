// Package rng supplies the random byte sources the pad session uses to
// generate head and tail fuzz. The fuzz bytes only mask raw pad data in
// position-hiding padding regions: a weak fuzz source cannot leak
// plaintext, but a broken one can still make messages trivially
// fingerprintable, so production use combines several independent
// sources and test use pins a single deterministic one.
package rng

import (
	"context"
	"crypto/cipher"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	rand2 "math/rand/v2"
	"sync"

	"github.com/rayozzie/onetime/pkg/trace"
	"github.com/seehuhn/mt19937"
	"golang.org/x/crypto/chacha20"
)

// RNG fills p with random bytes, under a context for logging.
type RNG interface {
	Read(ctx context.Context, p []byte) (n int, err error)
}

// CryptoRNG draws from the operating system's CSPRNG via crypto/rand.
type CryptoRNG struct {
	lock sync.Mutex
}

func (r *CryptoRNG) Read(ctx context.Context, p []byte) (int, error) {
	log := trace.FromContext(ctx).WithPrefix("CRYPTO-RNG")
	r.lock.Lock()
	defer r.lock.Unlock()

	n, err := crand.Read(p)
	if err != nil {
		return n, fmt.Errorf("crypto/rand read failed: %w", err)
	}
	log.Tracef("read %d bytes", n)
	return n, nil
}

// MathRNG wraps math/rand seeded from crypto/rand, as a fast secondary
// source mixed into MultiRNG for defense in depth.
type MathRNG struct {
	src  *mrand.Rand
	lock sync.Mutex
}

// NewMathRNG seeds a MathRNG from crypto/rand.
func NewMathRNG() *MathRNG {
	var seed int64
	var b [8]byte
	if _, err := crand.Read(b[:]); err == nil {
		seed = int64(binary.BigEndian.Uint64(b[:]))
	}
	return &MathRNG{src: mrand.New(mrand.NewSource(seed))}
}

func (mr *MathRNG) Read(ctx context.Context, p []byte) (int, error) {
	mr.lock.Lock()
	defer mr.lock.Unlock()
	for i := range p {
		p[i] = byte(mr.src.Intn(256))
	}
	return len(p), nil
}

// ChaCha20Rand draws from a ChaCha20 keystream seeded from crypto/rand.
type ChaCha20Rand struct {
	lock   sync.Mutex
	stream cipher.Stream
}

// NewChaCha20Rand seeds a fresh ChaCha20 stream from crypto/rand.
func NewChaCha20Rand() (*ChaCha20Rand, error) {
	key := make([]byte, chacha20.KeySize)
	nonce := make([]byte, chacha20.NonceSize)
	if _, err := crand.Read(key); err != nil {
		return nil, fmt.Errorf("chacha20 key generation failed: %w", err)
	}
	if _, err := crand.Read(nonce); err != nil {
		return nil, fmt.Errorf("chacha20 nonce generation failed: %w", err)
	}
	stream, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, fmt.Errorf("chacha20 cipher construction failed: %w", err)
	}
	return &ChaCha20Rand{stream: stream}, nil
}

func (c *ChaCha20Rand) Read(ctx context.Context, p []byte) (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for i := range p {
		p[i] = 0
	}
	c.stream.XORKeyStream(p, p)
	return len(p), nil
}

// PCG64Rand draws from math/rand/v2's PCG algorithm, seeded from
// crypto/rand.
type PCG64Rand struct {
	lock sync.Mutex
	rng  *rand2.Rand
}

// NewPCG64Rand seeds a fresh PCG64 generator from crypto/rand.
func NewPCG64Rand() (*PCG64Rand, error) {
	var seed1, seed2 [8]byte
	if _, err := crand.Read(seed1[:]); err != nil {
		return nil, fmt.Errorf("pcg64 seed generation failed: %w", err)
	}
	if _, err := crand.Read(seed2[:]); err != nil {
		return nil, fmt.Errorf("pcg64 seed generation failed: %w", err)
	}
	rng := rand2.New(rand2.NewPCG(
		binary.LittleEndian.Uint64(seed1[:]),
		binary.LittleEndian.Uint64(seed2[:]),
	))
	return &PCG64Rand{rng: rng}, nil
}

func (p *PCG64Rand) Read(ctx context.Context, b []byte) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for i := range b {
		b[i] = byte(p.rng.IntN(256))
	}
	return len(b), nil
}

// MT19937Rand draws from the Mersenne Twister algorithm. It is also the
// basis of TestRNG below: seeding it with the same constant reproduces
// the same byte sequence run after run within this program.
type MT19937Rand struct {
	lock    sync.Mutex
	wrapper *mrand.Rand
}

// NewMT19937Rand seeds a fresh Mersenne Twister generator from
// crypto/rand.
func NewMT19937Rand() (*MT19937Rand, error) {
	var seed [8]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("mt19937 seed generation failed: %w", err)
	}
	mt := mt19937.New()
	mt.Seed(int64(binary.LittleEndian.Uint64(seed[:])))
	return &MT19937Rand{wrapper: mrand.New(mt)}, nil
}

// NewSeededMT19937Rand seeds the Mersenne Twister generator with an
// explicit value, for test_mode determinism.
func NewSeededMT19937Rand(seed int64) *MT19937Rand {
	mt := mt19937.New()
	mt.Seed(seed)
	return &MT19937Rand{wrapper: mrand.New(mt)}
}

func (m *MT19937Rand) Read(ctx context.Context, b []byte) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i := range b {
		b[i] = byte(m.wrapper.Intn(256))
	}
	return len(b), nil
}

// MultiRNG XORs the output of every configured source together, so
// that no single weak or compromised source can degrade the combined
// output below the strongest source present.
type MultiRNG struct {
	Sources []RNG
	lock    sync.Mutex
}

func (m *MultiRNG) Read(ctx context.Context, p []byte) (int, error) {
	log := trace.FromContext(ctx).WithPrefix("MULTI-RNG")
	m.lock.Lock()
	defer m.lock.Unlock()

	acc := make([]byte, len(p))
	tmp := make([]byte, len(p))
	for i, s := range m.Sources {
		offset := 0
		for offset < len(p) {
			n, err := s.Read(ctx, tmp[offset:])
			if err != nil {
				return 0, fmt.Errorf("random source #%d failed: %w", i+1, err)
			}
			if n == 0 {
				continue
			}
			offset += n
		}
		for j := range p {
			acc[j] ^= tmp[j]
		}
	}
	copy(p, acc)
	log.Tracef("mixed %d sources into %d random bytes", len(m.Sources), len(p))
	return len(p), nil
}

// NewDefaultRNG combines every production source this package offers:
// OS entropy, and four independently-seeded PRNGs. A compromise of any
// one source still leaves the combined output as strong as the best
// remaining source.
func NewDefaultRNG() (RNG, error) {
	chacha, err := NewChaCha20Rand()
	if err != nil {
		return nil, err
	}
	pcg, err := NewPCG64Rand()
	if err != nil {
		return nil, err
	}
	mt, err := NewMT19937Rand()
	if err != nil {
		return nil, err
	}
	return &MultiRNG{
		Sources: []RNG{
			&CryptoRNG{},
			NewMathRNG(),
			chacha,
			pcg,
			mt,
		},
	}, nil
}

// TestSeed is the fixed seed (1729) that test_mode uses for
// reproducible fuzz bytes across encrypt/decrypt test runs.
const TestSeed = 1729

// NewTestRNG returns the deterministic source used when test_mode is
// enabled: seeding MT19937Rand with the same constant (1729) reproduces
// the same fuzz-byte sequence run after run, which is all test_mode
// actually requires.
func NewTestRNG() RNG {
	return NewSeededMT19937Rand(TestSeed)
}
