// Package padsession implements the core pad-session state machine: the
// binary inner-header framing that wraps plaintext in position-hiding
// fuzz, the running integrity digest, and the byte-wise pad XOR shared
// by encryption and decryption. A Session is bound to one pad file and
// one starting offset; it registers with a padrecords.Store at
// construction and records its consumption at Finish.
package padsession

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/rayozzie/onetime/pkg/onetimeerr"
	"github.com/rayozzie/onetime/pkg/padrecords"
	"github.com/rayozzie/onetime/pkg/rng"
	"github.com/rayozzie/onetime/pkg/trace"
)

// FormatLevel selects which wire format a session speaks. FormatInternal
// is the modern framing with inner header, fuzz, and digest.
// FormatOriginal is the legacy read-only framing with none of those.
type FormatLevel string

const (
	FormatInternal FormatLevel = "internal"
	FormatOriginal FormatLevel = "original"
)

const (
	idSourceLength          = 32
	legacyIDSourceLength    = 1024
	digestLength            = 32
	hashSeedLength          = 32
	defaultFuzzSourceLength = 2
	defaultFuzzSourceModulo = 512

	// reservedIdentifierStretch is the pad prefix consumed to derive the
	// pad identifier; offsets inside it are never valid encryption starts.
	reservedIdentifierStretch = 32
)

type headerPhase int

const (
	phasePrefix headerPhase = iota
	phaseHeadFuzz
	phaseDone
)

// Session is a single pad session: a positioned reader over one pad
// file, the inner-header/fuzz/digest state for format level "internal",
// and the bookkeeping needed to record consumption with a
// padrecords.Store at Finish.
type Session struct {
	pad     *os.File
	padSize int64
	store   *padrecords.Store
	src     rng.RNG
	noTrace bool

	id       string
	legacyID string

	offset *int64
	length int64

	formatLevel FormatLevel
	encrypting  bool
	decrypting  bool

	sessionHash    hash.Hash
	headBuffer     []byte // encrypt: inner header, prepended to first output
	tailBuffer     []byte // decrypt: reserved digest+tail-fuzz window
	tailFuzzLength int

	headerPhase      headerPhase
	preBuf           []byte
	headFuzzLen      int
	headFuzzConsumed int
}

// New opens padPath, computes its current and legacy identifiers, and
// registers them with store. The session cannot convert anything until
// SetOffset and one of PrepareForEncryption/PrepareForDecryption are
// called.
func New(ctx context.Context, padPath string, store *padrecords.Store, src rng.RNG, noTrace bool) (*Session, error) {
	log := trace.FromContext(ctx).WithPrefix("PAD-SESSION")

	f, err := os.Open(padPath)
	if err != nil {
		return nil, fmt.Errorf("opening pad %s: %w", padPath, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("statting pad %s: %w", padPath, err)
	}

	s := &Session{pad: f, padSize: info.Size(), store: store, src: src, noTrace: noTrace}

	id, err := s.computeID()
	if err != nil {
		f.Close()
		return nil, err
	}
	legacyID, err := s.computeLegacyID()
	if err != nil {
		f.Close()
		return nil, err
	}
	s.id, s.legacyID = id, legacyID

	if err := store.Register(ctx, id, legacyID); err != nil {
		f.Close()
		return nil, err
	}
	log.Debugf("opened pad session for %s (id=%s)", padPath, id)
	return s, nil
}

func (s *Session) computeID() (string, error) {
	buf := make([]byte, idSourceLength)
	if _, err := s.pad.ReadAt(buf, 0); err != nil {
		return "", &onetimeerr.PadTooShort{Offset: 0, Needed: idSourceLength, PadSize: s.padSize}
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// computeLegacyID hashes the larger 1024-byte legacy identifier stretch
// with SHA-1, to match pads registered under OneTime 1.x. A pad shorter
// than that stretch is hashed as-is rather than rejected: only the
// modern identifier, not this compatibility alias, needs the full
// reserved stretch to be meaningful.
func (s *Session) computeLegacyID() (string, error) {
	buf := make([]byte, legacyIDSourceLength)
	n, err := s.pad.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading legacy identifier stretch: %w", err)
	}
	sum := sha1.Sum(buf[:n])
	return hex.EncodeToString(sum[:]), nil
}

// ID returns the pad identifier at the requested format level.
func (s *Session) ID(level FormatLevel) (string, error) {
	switch level {
	case FormatInternal:
		return s.id, nil
	case FormatOriginal:
		return s.legacyID, nil
	default:
		return "", &onetimeerr.FormatLevel{Requested: string(level)}
	}
}

// Path returns the underlying pad file's path.
func (s *Session) Path() string { return s.pad.Name() }

// Offset returns the session's starting offset, or 0 if SetOffset has
// not yet been called.
func (s *Session) Offset() int64 {
	if s.offset == nil {
		return 0
	}
	return *s.offset
}

// Length returns the number of pad bytes consumed so far.
func (s *Session) Length() int64 { return s.length }

// SetOffset positions the session at offset, which must lie beyond the
// reserved identifier stretch and within the pad.
func (s *Session) SetOffset(offset int64) error {
	if offset < reservedIdentifierStretch {
		return &onetimeerr.Configuration{Reason: fmt.Sprintf(
			"offset %d falls within the reserved identifier stretch (first %d bytes)", offset, reservedIdentifierStretch)}
	}
	if offset >= s.padSize {
		return &onetimeerr.PadTooShort{Offset: offset, Needed: 1, PadSize: s.padSize}
	}
	if _, err := s.pad.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking pad to offset %d: %w", offset, err)
	}
	s.offset = &offset
	return nil
}

// UseNextAvailableOffset sets the offset to the first byte beyond the
// store's recorded consumption for this pad's identifier.
func (s *Session) UseNextAvailableOffset() error {
	return s.SetOffset(s.store.NextOffset(s.id))
}

// PrepareForEncryption marks the session as encrypting and builds the
// inner header that will be prepended to the first Convert output.
// Exactly one of PrepareForEncryption or PrepareForDecryption must be
// called, exactly once, before Convert.
func (s *Session) PrepareForEncryption(ctx context.Context) error {
	if s.encrypting {
		return &onetimeerr.OverPrepared{Detail: "already prepared for encryption"}
	}
	if s.decrypting {
		return &onetimeerr.OverPrepared{Detail: "cannot prepare for both encryption and decryption"}
	}
	header, err := s.makeInnerHeader(ctx)
	if err != nil {
		return err
	}
	s.headBuffer = header
	s.encrypting = true
	return nil
}

// PrepareForDecryption marks the session as decrypting. Unlike
// PrepareForEncryption, it does no pad I/O yet: the inner header only
// becomes available once the first ciphertext bytes arrive via Convert.
func (s *Session) PrepareForDecryption() error {
	if s.decrypting {
		return &onetimeerr.OverPrepared{Detail: "already prepared for decryption"}
	}
	if s.encrypting {
		return &onetimeerr.OverPrepared{Detail: "cannot prepare for both decryption and encryption"}
	}
	s.decrypting = true
	return nil
}

func (s *Session) readPad(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	at := s.Offset() + s.length
	buf := make([]byte, n)
	read, err := io.ReadFull(s.pad, buf)
	s.length += int64(read)
	if err != nil {
		return nil, &onetimeerr.PadTooShort{Offset: at, Needed: int64(n), PadSize: s.padSize}
	}
	return buf, nil
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// getFuzzLengthFromPad reads defaultFuzzSourceLength raw pad bytes and
// multiplies them together (as unsigned 8-bit values, starting from 1)
// modulo defaultFuzzSourceModulo to derive a fuzz length. It returns the
// length and the raw source bytes, which are embedded verbatim in the
// inner header: they need no masking because their plaintext value is,
// by construction, the pad byte itself.
func (s *Session) getFuzzLengthFromPad() (int, []byte, error) {
	src, err := s.readPad(defaultFuzzSourceLength)
	if err != nil {
		return 0, nil, err
	}
	length := 1
	for _, b := range src {
		length = (length * int(b)) % defaultFuzzSourceModulo
	}
	return length, src, nil
}

func (s *Session) initializeHash() error {
	if s.sessionHash != nil {
		return &onetimeerr.OverPrepared{Detail: "session hash was prematurely initialized"}
	}
	seed, err := s.readPad(hashSeedLength)
	if err != nil {
		return err
	}
	s.sessionHash = sha256.New()
	s.sessionHash.Write(seed)
	return nil
}

// makeFuzz generates n random bytes, XOR-masks them with the next n pad
// bytes, and (for head fuzz) feeds the raw random bytes into the
// running hash so the receiver can reproduce the same digest by
// recovering and hashing them in turn.
func (s *Session) makeFuzz(ctx context.Context, n int, isHead bool) ([]byte, error) {
	rnd := make([]byte, n)
	if n > 0 {
		if _, err := s.src.Read(ctx, rnd); err != nil {
			return nil, fmt.Errorf("generating %d fuzz bytes: %w", n, err)
		}
	}
	padBytes, err := s.readPad(n)
	if err != nil {
		return nil, err
	}
	if isHead && n > 0 {
		s.sessionHash.Write(rnd)
	}
	return xorBytes(rnd, padBytes), nil
}

// makeInnerHeader builds the encrypt-side inner header: format version
// and flags (masked plaintext zero bytes), the two fuzz-length source
// pairs (raw pad bytes), and the masked head fuzz. The hash seed is
// consumed from the pad and folded into the running hash but is never
// itself written to the output.
func (s *Session) makeInnerHeader(ctx context.Context) ([]byte, error) {
	if s.offset == nil {
		return nil, &onetimeerr.Uninitialized{Detail: "no offset set"}
	}

	versionPad, err := s.readPad(1)
	if err != nil {
		return nil, err
	}
	flagsPad, err := s.readPad(1)
	if err != nil {
		return nil, err
	}

	headLen, headSrc, err := s.getFuzzLengthFromPad()
	if err != nil {
		return nil, err
	}
	tailLen, tailSrc, err := s.getFuzzLengthFromPad()
	if err != nil {
		return nil, err
	}
	s.tailFuzzLength = tailLen

	if err := s.initializeHash(); err != nil {
		return nil, err
	}

	headFuzz, err := s.makeFuzz(ctx, headLen, true)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 2+len(headSrc)+len(tailSrc)+len(headFuzz))
	out = append(out, versionPad[0], flagsPad[0])
	out = append(out, headSrc...)
	out = append(out, tailSrc...)
	out = append(out, headFuzz...)
	return out, nil
}

// consumeHeader accumulates chunk onto an internal buffer and, once
// enough bytes have arrived, parses the fixed inner-header prefix
// (format version, flags, and the two fuzz-length source pairs -- 6
// bytes total; the hash seed is pad-only and never appears in the
// ciphertext) followed by the head fuzz. It tolerates arbitrarily short
// initial chunks by returning (nil, nil) until the full prefix and head
// fuzz have been seen, rather than assuming the first chunk is always
// long enough to hold them.
func (s *Session) consumeHeader(chunk []byte) ([]byte, error) {
	s.preBuf = append(s.preBuf, chunk...)

	if s.headerPhase == phasePrefix {
		const prefixLen = 2 + 2*defaultFuzzSourceLength
		if len(s.preBuf) < prefixLen {
			return nil, nil
		}
		prefix := s.preBuf[:prefixLen]
		s.preBuf = s.preBuf[prefixLen:]

		versionPad, err := s.readPad(1)
		if err != nil {
			return nil, err
		}
		version := prefix[0] ^ versionPad[0]
		if version != 0 {
			return nil, &onetimeerr.InnerFormat{Detail: fmt.Sprintf("unknown inner format version %d", version)}
		}

		flagsPad, err := s.readPad(1)
		if err != nil {
			return nil, err
		}
		flags := prefix[1] ^ flagsPad[0]
		if flags&1 != 0 {
			return nil, &onetimeerr.InnerFormat{Detail: "sender-chosen fuzz length is not supported"}
		}
		if flags&0xFE != 0 {
			return nil, &onetimeerr.InnerFormat{Detail: fmt.Sprintf("unknown flags set (%#08b)", flags)}
		}

		headLen, _, err := s.getFuzzLengthFromPad()
		if err != nil {
			return nil, err
		}
		tailLen, _, err := s.getFuzzLengthFromPad()
		if err != nil {
			return nil, err
		}
		s.tailFuzzLength = tailLen

		if err := s.initializeHash(); err != nil {
			return nil, err
		}

		s.headFuzzLen = headLen
		s.headerPhase = phaseHeadFuzz
	}

	if s.headerPhase == phaseHeadFuzz {
		remaining := s.headFuzzLen - s.headFuzzConsumed
		if remaining > 0 {
			take := remaining
			if take > len(s.preBuf) {
				take = len(s.preBuf)
			}
			if take > 0 {
				padBytes, err := s.readPad(take)
				if err != nil {
					return nil, err
				}
				raw := xorBytes(s.preBuf[:take], padBytes)
				s.sessionHash.Write(raw)
				s.preBuf = s.preBuf[take:]
				s.headFuzzConsumed += take
			}
			if s.headFuzzConsumed < s.headFuzzLen {
				return nil, nil
			}
		}
		s.headerPhase = phaseDone
	}

	rest := s.preBuf
	s.preBuf = nil
	return rest, nil
}

// Convert XORs chunk against the pad, handling whatever inner-header,
// fuzz, and tail-buffering state applies at level. It is an error to
// call Convert with a different level than a prior call on the same
// session.
func (s *Session) Convert(ctx context.Context, chunk []byte, level FormatLevel) ([]byte, error) {
	if s.offset == nil {
		return nil, &onetimeerr.Uninitialized{Detail: "no offset set"}
	}
	if s.formatLevel == "" {
		s.formatLevel = level
	} else if s.formatLevel != level {
		return nil, &onetimeerr.FormatLevel{Requested: string(level), Locked: string(s.formatLevel)}
	}

	if level == FormatOriginal {
		return s.convertOriginal(chunk)
	}

	if s.encrypting == s.decrypting {
		if s.encrypting {
			return nil, &onetimeerr.OverPrepared{Detail: "session cannot encrypt and decrypt simultaneously"}
		}
		return nil, &onetimeerr.Uninitialized{Detail: "not yet prepared for either encrypting or decrypting"}
	}

	str := chunk
	if s.decrypting && s.headerPhase != phaseDone {
		rest, err := s.consumeHeader(chunk)
		if err != nil {
			return nil, err
		}
		if rest == nil {
			return nil, nil
		}
		str = rest
	}

	if s.decrypting {
		s.tailBuffer = append(s.tailBuffer, str...)
		reserve := digestLength + s.tailFuzzLength
		if len(s.tailBuffer) < reserve {
			str = nil
		} else {
			cut := len(s.tailBuffer) - reserve
			str = s.tailBuffer[:cut]
			s.tailBuffer = s.tailBuffer[cut:]
		}
	}

	var result []byte
	if len(str) > 0 {
		padBytes, err := s.readPad(len(str))
		if err != nil {
			return nil, err
		}
		result = xorBytes(str, padBytes)
	}

	if len(s.headBuffer) > 0 {
		result = append(s.headBuffer, result...)
		s.headBuffer = nil
	}
	return result, nil
}

func (s *Session) convertOriginal(chunk []byte) ([]byte, error) {
	if s.encrypting {
		return nil, &onetimeerr.FormatLevel{Requested: string(FormatOriginal), Locked: "encryption at format level \"original\" is not supported"}
	}
	if !s.decrypting {
		return nil, &onetimeerr.Uninitialized{Detail: "not yet prepared for decrypting"}
	}
	if len(chunk) == 0 {
		return nil, nil
	}
	padBytes, err := s.readPad(len(chunk))
	if err != nil {
		return nil, err
	}
	return xorBytes(chunk, padBytes), nil
}

func (s *Session) verifyDigest() error {
	digestPad, err := s.readPad(digestLength)
	if err != nil {
		return err
	}
	if len(s.tailBuffer) < digestLength {
		return &onetimeerr.FuzzMismatch{Expected: digestLength, Got: len(s.tailBuffer)}
	}
	received := xorBytes(s.tailBuffer[:digestLength], digestPad)
	s.tailBuffer = s.tailBuffer[digestLength:]

	computed := s.sessionHash.Sum(nil)
	if !bytes.Equal(computed, received) {
		return &onetimeerr.DigestMismatch{Expected: hex.EncodeToString(computed), Got: hex.EncodeToString(received)}
	}
	return nil
}

// Finish closes out the session. Encrypting, it returns the pad-masked
// digest followed by pad-masked tail fuzz, to be appended to the
// output. Decrypting, the return value is always nil; any digest or
// tail-fuzz-length mismatch is reported as an error, but tampering
// within the tail fuzz itself is never detected by design. Either way,
// consumption is recorded with the store, and the store is saved unless
// noTrace was requested.
func (s *Session) Finish(ctx context.Context) ([]byte, error) {
	log := trace.FromContext(ctx).WithPrefix("PAD-SESSION")
	if s.offset == nil {
		return nil, &onetimeerr.Uninitialized{Detail: "no offset set"}
	}
	if !s.encrypting && !s.decrypting {
		return nil, &onetimeerr.Uninitialized{Detail: "not yet prepared for either encrypting or decrypting"}
	}
	var remainder []byte

	if s.formatLevel == FormatInternal {
		switch {
		case s.encrypting:
			digest := s.sessionHash.Sum(nil)
			digestPad, err := s.readPad(digestLength)
			if err != nil {
				return nil, err
			}
			remainder = append(remainder, xorBytes(digest, digestPad)...)

			tailFuzz, err := s.makeFuzz(ctx, s.tailFuzzLength, false)
			if err != nil {
				return nil, err
			}
			remainder = append(remainder, tailFuzz...)
		case s.decrypting:
			if err := s.verifyDigest(); err != nil {
				return nil, err
			}
			if len(s.tailBuffer) != s.tailFuzzLength {
				return nil, &onetimeerr.FuzzMismatch{Expected: s.tailFuzzLength, Got: len(s.tailBuffer)}
			}
			padBytes, err := s.readPad(len(s.tailBuffer))
			if err != nil {
				return nil, err
			}
			_ = xorBytes(s.tailBuffer, padBytes) // tail fuzz content is never checked, only its length
			s.tailBuffer = nil
		default:
			return nil, &onetimeerr.OverPrepared{Detail: "session is neither encrypting nor decrypting"}
		}
	}

	allowOverlap := s.decrypting
	if err := s.store.RecordConsumed(s.id, *s.offset, s.length, allowOverlap); err != nil {
		return nil, err
	}
	if !s.noTrace {
		if err := s.store.Save(ctx); err != nil {
			return nil, err
		}
	}
	log.Debugf("finished session on %s: consumed %d bytes at offset %d", s.pad.Name(), s.length, *s.offset)
	return remainder, nil
}

// DigestGulp folds b into the running session hash. Format level
// "internal" callers (the stream encoder/decoder) call this once per
// chunk of plaintext -- the compressed, pad-XORed plaintext itself is
// never hashed, only the plaintext it represents.
func (s *Session) DigestGulp(b []byte) {
	if s.sessionHash != nil {
		s.sessionHash.Write(b)
	}
}

// Close releases the underlying pad file.
func (s *Session) Close() error {
	return s.pad.Close()
}
