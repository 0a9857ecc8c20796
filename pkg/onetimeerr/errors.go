// Package onetimeerr defines the flat error taxonomy raised by the
// pad-records store and the pad session: each distinct failure kind is
// its own exported type satisfying error, dispatched with errors.As.
package onetimeerr

import "fmt"

// Configuration covers incoherent pad-records state: both legacy and
// current identifiers present for one pad, a used-range overlap when
// overlap isn't permitted, or a leftover pad-records.int recovery file.
type Configuration struct {
	Reason string
}

func (e *Configuration) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// PadTooShort means the pad does not have enough remaining bytes to
// satisfy the header, fuzz, body, digest, or tail being requested.
type PadTooShort struct {
	Offset  int64
	Needed  int64
	PadSize int64
}

func (e *PadTooShort) Error() string {
	return fmt.Sprintf("pad too short: need %d bytes at offset %d but pad is only %d bytes", e.Needed, e.Offset, e.PadSize)
}

// OverPrepared means PrepareForEncryption/PrepareForDecryption was
// called more than once, or both roles were requested on one session.
type OverPrepared struct {
	Detail string
}

func (e *OverPrepared) Error() string {
	return fmt.Sprintf("session over-prepared: %s", e.Detail)
}

// Uninitialized means Convert or Finish was called before the session
// had an offset and a prepared role.
type Uninitialized struct {
	Detail string
}

func (e *Uninitialized) Error() string {
	return fmt.Sprintf("session uninitialized: %s", e.Detail)
}

// FormatLevel means the session's format level is unknown, or the
// caller asked for a level inconsistent with one already locked in.
type FormatLevel struct {
	Requested string
	Locked    string
}

func (e *FormatLevel) Error() string {
	if e.Locked == "" {
		return fmt.Sprintf("unknown format level %q", e.Requested)
	}
	return fmt.Sprintf("format level %q is inconsistent with already-locked level %q", e.Requested, e.Locked)
}

// InnerFormat means the inner-header bytes failed validation: a
// non-zero format version, or a reserved flag bit set.
type InnerFormat struct {
	Detail string
}

func (e *InnerFormat) Error() string {
	return fmt.Sprintf("inner header format error: %s", e.Detail)
}

// FuzzMismatch means the tail-fuzz length consumed at Finish did not
// match what the inner header promised.
type FuzzMismatch struct {
	Expected int
	Got      int
}

func (e *FuzzMismatch) Error() string {
	return fmt.Sprintf("tail fuzz length mismatch: expected %d bytes, consumed %d", e.Expected, e.Got)
}

// DigestMismatch means the recovered SHA-256 digest did not match the
// one computed over hash_seed, raw head fuzz, and decompressed
// plaintext.
type DigestMismatch struct {
	Expected string
	Got      string
}

func (e *DigestMismatch) Error() string {
	return fmt.Sprintf("digest mismatch: expected %s, received %s", e.Expected, e.Got)
}

// Decompression wraps a failure from the streaming compressor/
// decompressor, distinguishing it from a protocol or authentication
// failure.
type Decompression struct {
	Err error
}

func (e *Decompression) Error() string {
	return fmt.Sprintf("decompression error: %v", e.Err)
}

func (e *Decompression) Unwrap() error {
	return e.Err
}

// Armor means the armored message text was malformed: missing begin/
// end markers or an unparsable header line. An unknown Format value is
// reported as FormatLevel instead.
type Armor struct {
	Detail string
}

func (e *Armor) Error() string {
	return fmt.Sprintf("armor format error: %s", e.Detail)
}
