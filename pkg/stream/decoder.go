package stream

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/rayozzie/onetime/pkg/onetimeerr"
	"github.com/rayozzie/onetime/pkg/padsession"
)

// Decoder turns armored ciphertext back into plaintext. At format
// level "internal" it pad-XORs first, then decompresses. At format
// level "original" it reproduces a long-standing legacy ordering bug:
// decompress first, then pad-XOR.
type Decoder struct {
	session *padsession.Session
	level   padsession.FormatLevel

	// compressed accumulates whichever bytes decompression is applied
	// to: pad-unmasked ciphertext at "internal" level, raw ciphertext
	// at "original" level.
	compressed bytes.Buffer
	emitted    int

	// pendingBase64 holds base64 bytes carried over from a previous
	// Decode call that did not form a complete 4-byte quantum. Callers
	// are free to split encoded input at arbitrary byte boundaries, not
	// just base64 quantum boundaries.
	pendingBase64 []byte
}

// NewDecoder prepares session for decryption and returns a Decoder at
// the given format level.
func NewDecoder(session *padsession.Session, level padsession.FormatLevel) (*Decoder, error) {
	if level != padsession.FormatInternal && level != padsession.FormatOriginal {
		return nil, &onetimeerr.FormatLevel{Requested: string(level)}
	}
	if err := session.PrepareForDecryption(); err != nil {
		return nil, err
	}
	return &Decoder{session: session, level: level}, nil
}

// Decode accepts base64-armored ciphertext bytes, already stripped of
// line breaks by the message framer, and returns whatever plaintext is
// newly available. A nil, nil result means more input is needed before
// any plaintext can be produced. encoded may end mid-quantum; the
// trailing unaligned bytes are buffered and completed by a later call.
func (d *Decoder) Decode(ctx context.Context, encoded []byte) ([]byte, error) {
	raw, err := d.decodeBase64(encoded)
	if err != nil {
		return nil, err
	}

	if d.level == padsession.FormatOriginal {
		if len(raw) > 0 {
			d.compressed.Write(raw)
		}
		delta, err := d.drain(false)
		if err != nil || delta == nil {
			return nil, err
		}
		return d.session.Convert(ctx, delta, padsession.FormatOriginal)
	}

	unmasked, err := d.session.Convert(ctx, raw, padsession.FormatInternal)
	if err != nil {
		return nil, err
	}
	if len(unmasked) > 0 {
		d.compressed.Write(unmasked)
	}
	return d.drain(false)
}

// Finish drains any remaining decompressed plaintext, propagating a
// real decompression error (as opposed to "not enough data yet", which
// intermediate Decode calls treat as simply not ready), then finalizes
// the session's pad usage.
func (d *Decoder) Finish(ctx context.Context) ([]byte, error) {
	if len(d.pendingBase64) > 0 {
		return nil, &onetimeerr.Armor{Detail: "ciphertext body's base64 length is not a multiple of 4"}
	}

	var final []byte
	var err error
	if d.level == padsession.FormatOriginal {
		delta, derr := d.drain(true)
		if derr != nil {
			return nil, derr
		}
		if len(delta) > 0 {
			final, err = d.session.Convert(ctx, delta, padsession.FormatOriginal)
			if err != nil {
				return nil, err
			}
		}
	} else {
		final, err = d.drain(true)
		if err != nil {
			return nil, err
		}
	}
	if _, err := d.session.Finish(ctx); err != nil {
		return nil, err
	}
	return final, nil
}

// drain re-drives a fresh bzip2 reader over the full buffer
// accumulated so far and returns only the bytes not already returned
// by a previous call. A streaming bzip2 reader cannot otherwise be fed
// a partial, still-growing buffer and asked "how much can you give me
// right now" without risking reading past what has actually been
// supplied, so this implementation re-decompresses from scratch on
// every call (see DESIGN.md for the tradeoff this accepts). When final
// is false, a decompression error is assumed to mean "the buffer isn't
// a complete bzip2 stream yet" and is swallowed; when final is true (at
// Finish), the same error is a genuine failure.
func (d *Decoder) drain(final bool) ([]byte, error) {
	full, err := d.redecompressAll()
	if err != nil {
		if final {
			return nil, &onetimeerr.Decompression{Err: err}
		}
		return nil, nil
	}
	if len(full) <= d.emitted {
		return nil, nil
	}
	delta := full[d.emitted:]
	d.emitted = len(full)
	if d.level != padsession.FormatOriginal {
		d.session.DigestGulp(delta)
	}
	return delta, nil
}

// decodeBase64 prepends any quantum left over from a previous call,
// decodes as many complete 4-byte quanta as are now available, and
// stashes whatever remains for the next call.
func (d *Decoder) decodeBase64(encoded []byte) ([]byte, error) {
	buf := append(d.pendingBase64, encoded...)
	complete := len(buf) - len(buf)%4
	d.pendingBase64 = append([]byte(nil), buf[complete:]...)
	buf = buf[:complete]

	raw := make([]byte, base64.StdEncoding.DecodedLen(len(buf)))
	n, err := base64.StdEncoding.Decode(raw, buf)
	if err != nil {
		return nil, &onetimeerr.Armor{Detail: "invalid base64 in ciphertext body: " + err.Error()}
	}
	return raw[:n], nil
}

func (d *Decoder) redecompressAll() ([]byte, error) {
	r, err := bzip2.NewReader(bytes.NewReader(d.compressed.Bytes()), nil)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
