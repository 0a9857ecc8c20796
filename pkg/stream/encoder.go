// Package stream implements the streaming encode/decode pipeline that
// sits above a padsession.Session: bzip2 compression, pad-XOR, and
// MIME-style base64 line wrapping.
package stream

import (
	"bytes"
	"context"
	"encoding/base64"

	"github.com/dsnet/compress/bzip2"
	"github.com/rayozzie/onetime/pkg/onetimeerr"
	"github.com/rayozzie/onetime/pkg/padsession"
)

// lineWidth is the standard MIME base64 wrap column.
const lineWidth = 76

// Encoder turns plaintext into OneTime's armored ciphertext body.
// Compression is bzip2, unconditional: offering a choice would either
// have to be named in the open (plaintext-revealing) headers or
// complicate the inner header for negligible benefit, since bzip2
// applied to incompressible data is close to a no-op.
type Encoder struct {
	session   *padsession.Session
	plaintext bytes.Buffer
}

// NewEncoder prepares session for encryption and returns an Encoder
// bound to it.
func NewEncoder(ctx context.Context, session *padsession.Session) (*Encoder, error) {
	if err := session.PrepareForEncryption(ctx); err != nil {
		return nil, err
	}
	return &Encoder{session: session}, nil
}

// Encode folds chunk into the running plaintext hash and buffer.
// Output is only produced at Finish: a bzip2 writer's block boundaries
// are opaque from outside the compressor, and this implementation
// favors a batch compress-once-at-Finish design over guessing at the
// underlying writer's flush behavior (see DESIGN.md).
func (e *Encoder) Encode(ctx context.Context, chunk []byte) error {
	e.session.DigestGulp(chunk)
	e.plaintext.Write(chunk)
	return nil
}

// Finish compresses all buffered plaintext, pad-XORs the compressed
// body plus the session's digest and tail fuzz, and returns the
// complete base64, line-wrapped ciphertext body.
func (e *Encoder) Finish(ctx context.Context) ([]byte, error) {
	var compressed bytes.Buffer
	w, err := bzip2.NewWriter(&compressed, nil)
	if err != nil {
		return nil, &onetimeerr.Decompression{Err: err}
	}
	if _, err := w.Write(e.plaintext.Bytes()); err != nil {
		w.Close()
		return nil, &onetimeerr.Decompression{Err: err}
	}
	if err := w.Close(); err != nil {
		return nil, &onetimeerr.Decompression{Err: err}
	}

	ciphertext, err := e.session.Convert(ctx, compressed.Bytes(), padsession.FormatInternal)
	if err != nil {
		return nil, err
	}
	tail, err := e.session.Finish(ctx)
	if err != nil {
		return nil, err
	}
	ciphertext = append(ciphertext, tail...)
	return wrapBase64(ciphertext), nil
}

func wrapBase64(data []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(data)
	var out bytes.Buffer
	for i := 0; i < len(encoded); i += lineWidth {
		end := i + lineWidth
		if end > len(encoded) {
			end = len(encoded)
		}
		out.WriteString(encoded[i:end])
		out.WriteByte('\n')
	}
	return out.Bytes()
}
