package padsession

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rayozzie/onetime/pkg/onetimeerr"
	"github.com/rayozzie/onetime/pkg/padrecords"
	"github.com/rayozzie/onetime/pkg/rng"
)

func writeTestPad(t *testing.T, size int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.pad")
	buf := make([]byte, size)
	src := rng.NewTestRNG()
	if _, err := src.Read(context.Background(), buf); err != nil {
		t.Fatalf("generating test pad: %v", err)
	}
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatalf("writing test pad: %v", err)
	}
	return path
}

func newEphemeralStore(t *testing.T) *padrecords.Store {
	t.Helper()
	s, err := padrecords.Open(context.Background(), "-")
	if err != nil {
		t.Fatalf("opening ephemeral store: %v", err)
	}
	return s
}

// roundTrip encrypts plaintext with one session and decrypts the
// result with a second session sharing the same pad, offset, and
// deterministic fuzz source, and returns the recovered plaintext.
func roundTrip(t *testing.T, padPath string, plaintext []byte, offset int64) []byte {
	t.Helper()
	ctx := context.Background()

	encStore := newEphemeralStore(t)
	enc, err := New(ctx, padPath, encStore, rng.NewTestRNG(), true)
	if err != nil {
		t.Fatalf("New (encrypt): %v", err)
	}
	defer enc.Close()
	if err := enc.SetOffset(offset); err != nil {
		t.Fatalf("SetOffset (encrypt): %v", err)
	}
	if err := enc.PrepareForEncryption(ctx); err != nil {
		t.Fatalf("PrepareForEncryption: %v", err)
	}
	var ciphertext bytes.Buffer
	out, err := enc.Convert(ctx, plaintext, FormatInternal)
	if err != nil {
		t.Fatalf("Convert (encrypt): %v", err)
	}
	ciphertext.Write(out)
	tail, err := enc.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish (encrypt): %v", err)
	}
	ciphertext.Write(tail)

	decStore := newEphemeralStore(t)
	dec, err := New(ctx, padPath, decStore, rng.NewTestRNG(), true)
	if err != nil {
		t.Fatalf("New (decrypt): %v", err)
	}
	defer dec.Close()
	if err := dec.SetOffset(offset); err != nil {
		t.Fatalf("SetOffset (decrypt): %v", err)
	}
	if err := dec.PrepareForDecryption(); err != nil {
		t.Fatalf("PrepareForDecryption: %v", err)
	}
	plain, err := dec.Convert(ctx, ciphertext.Bytes(), FormatInternal)
	if err != nil {
		t.Fatalf("Convert (decrypt): %v", err)
	}
	if _, err := dec.Finish(ctx); err != nil {
		t.Fatalf("Finish (decrypt): %v", err)
	}
	return plain
}

func TestRoundTripBasicPlaintext(t *testing.T) {
	padPath := writeTestPad(t, 4096)
	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	got := roundTrip(t, padPath, plaintext, 32)
	require.Equal(t, plaintext, got, "round trip mismatch")
}

func TestRoundTripEmptyPlaintext(t *testing.T) {
	padPath := writeTestPad(t, 4096)
	got := roundTrip(t, padPath, []byte{}, 32)
	require.Empty(t, got, "expected empty plaintext round trip")
}

func TestRoundTripAllNulls(t *testing.T) {
	padPath := writeTestPad(t, 4096)
	plaintext := make([]byte, 256)
	got := roundTrip(t, padPath, plaintext, 64)
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("all-nulls round trip mismatch")
	}
}

func TestDecryptToleratesShortInitialChunks(t *testing.T) {
	ctx := context.Background()
	padPath := writeTestPad(t, 4096)
	plaintext := []byte("a message long enough to span several tiny decrypt chunks of input")

	encStore := newEphemeralStore(t)
	enc, err := New(ctx, padPath, encStore, rng.NewTestRNG(), true)
	if err != nil {
		t.Fatalf("New (encrypt): %v", err)
	}
	defer enc.Close()
	if err := enc.SetOffset(32); err != nil {
		t.Fatalf("SetOffset: %v", err)
	}
	if err := enc.PrepareForEncryption(ctx); err != nil {
		t.Fatalf("PrepareForEncryption: %v", err)
	}
	var ciphertext bytes.Buffer
	out, err := enc.Convert(ctx, plaintext, FormatInternal)
	if err != nil {
		t.Fatalf("Convert (encrypt): %v", err)
	}
	ciphertext.Write(out)
	tail, err := enc.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish (encrypt): %v", err)
	}
	ciphertext.Write(tail)

	decStore := newEphemeralStore(t)
	dec, err := New(ctx, padPath, decStore, rng.NewTestRNG(), true)
	if err != nil {
		t.Fatalf("New (decrypt): %v", err)
	}
	defer dec.Close()
	if err := dec.SetOffset(32); err != nil {
		t.Fatalf("SetOffset: %v", err)
	}
	if err := dec.PrepareForDecryption(); err != nil {
		t.Fatalf("PrepareForDecryption: %v", err)
	}

	full := ciphertext.Bytes()
	var recovered bytes.Buffer
	// Feed the ciphertext back one byte at a time: the first several
	// calls carry less than the 6-byte fixed inner-header prefix.
	for i := 0; i < len(full); i++ {
		out, err := dec.Convert(ctx, full[i:i+1], FormatInternal)
		if err != nil {
			t.Fatalf("Convert (decrypt) at byte %d: %v", i, err)
		}
		recovered.Write(out)
	}
	if _, err := dec.Finish(ctx); err != nil {
		t.Fatalf("Finish (decrypt): %v", err)
	}
	if !bytes.Equal(recovered.Bytes(), plaintext) {
		t.Fatalf("byte-at-a-time decrypt mismatch: got %q, want %q", recovered.Bytes(), plaintext)
	}
}

func TestTamperingWithDigestRegionFailsAuthentication(t *testing.T) {
	ctx := context.Background()
	padPath := writeTestPad(t, 4096)
	plaintext := []byte("authenticate me")

	encStore := newEphemeralStore(t)
	enc, err := New(ctx, padPath, encStore, rng.NewTestRNG(), true)
	if err != nil {
		t.Fatalf("New (encrypt): %v", err)
	}
	defer enc.Close()
	if err := enc.SetOffset(32); err != nil {
		t.Fatalf("SetOffset: %v", err)
	}
	if err := enc.PrepareForEncryption(ctx); err != nil {
		t.Fatalf("PrepareForEncryption: %v", err)
	}
	var ciphertext bytes.Buffer
	out, _ := enc.Convert(ctx, plaintext, FormatInternal)
	ciphertext.Write(out)
	tail, err := enc.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish (encrypt): %v", err)
	}
	ciphertext.Write(tail)

	// tail == digest (32 bytes) followed by T tail-fuzz bytes; flipping a
	// byte inside the digest's 32 bytes must always break authentication.
	tampered := append([]byte(nil), ciphertext.Bytes()...)
	digestStart := len(tampered) - len(tail)
	tampered[digestStart] ^= 0xFF

	decStore := newEphemeralStore(t)
	dec, err := New(ctx, padPath, decStore, rng.NewTestRNG(), true)
	if err != nil {
		t.Fatalf("New (decrypt): %v", err)
	}
	defer dec.Close()
	if err := dec.SetOffset(32); err != nil {
		t.Fatalf("SetOffset: %v", err)
	}
	if err := dec.PrepareForDecryption(); err != nil {
		t.Fatalf("PrepareForDecryption: %v", err)
	}
	if _, err := dec.Convert(ctx, tampered, FormatInternal); err != nil {
		t.Fatalf("Convert (decrypt) should not itself fail: %v", err)
	}
	_, err = dec.Finish(ctx)
	if err == nil {
		t.Fatalf("expected a digest mismatch error")
	}
	var digestErr *onetimeerr.DigestMismatch
	if !errors.As(err, &digestErr) {
		t.Fatalf("expected *onetimeerr.DigestMismatch, got %T: %v", err, err)
	}
}

func TestTamperingWithTailFuzzHasNoEffect(t *testing.T) {
	ctx := context.Background()
	padPath := writeTestPad(t, 4096)
	plaintext := []byte("tail fuzz tampering should be invisible")

	encStore := newEphemeralStore(t)
	enc, err := New(ctx, padPath, encStore, rng.NewTestRNG(), true)
	if err != nil {
		t.Fatalf("New (encrypt): %v", err)
	}
	defer enc.Close()
	if err := enc.SetOffset(32); err != nil {
		t.Fatalf("SetOffset: %v", err)
	}
	if err := enc.PrepareForEncryption(ctx); err != nil {
		t.Fatalf("PrepareForEncryption: %v", err)
	}
	var ciphertext bytes.Buffer
	out, _ := enc.Convert(ctx, plaintext, FormatInternal)
	ciphertext.Write(out)
	tail, err := enc.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish (encrypt): %v", err)
	}
	ciphertext.Write(tail)

	tailFuzzLen := len(tail) - digestLength
	if tailFuzzLen == 0 {
		t.Skip("this pad's deterministic fuzz derivation produced zero tail fuzz bytes; nothing to tamper")
	}

	tampered := append([]byte(nil), ciphertext.Bytes()...)
	tampered[len(tampered)-1] ^= 0xFF // last byte is always within the tail fuzz

	decStore := newEphemeralStore(t)
	dec, err := New(ctx, padPath, decStore, rng.NewTestRNG(), true)
	if err != nil {
		t.Fatalf("New (decrypt): %v", err)
	}
	defer dec.Close()
	if err := dec.SetOffset(32); err != nil {
		t.Fatalf("SetOffset: %v", err)
	}
	if err := dec.PrepareForDecryption(); err != nil {
		t.Fatalf("PrepareForDecryption: %v", err)
	}
	got, err := dec.Convert(ctx, tampered, FormatInternal)
	if err != nil {
		t.Fatalf("Convert (decrypt): %v", err)
	}
	if _, err := dec.Finish(ctx); err != nil {
		t.Fatalf("Finish (decrypt): tail fuzz tampering must not be detected: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("tail fuzz tampering altered recovered plaintext: got %q, want %q", got, plaintext)
	}
}

func TestReEncryptingSameOffsetIsRejectedAsOverlap(t *testing.T) {
	ctx := context.Background()
	padPath := writeTestPad(t, 4096)
	store := newEphemeralStore(t)

	for i := 0; i < 2; i++ {
		enc, err := New(ctx, padPath, store, rng.NewTestRNG(), false)
		if err != nil {
			t.Fatalf("New pass %d: %v", i, err)
		}
		if err := enc.SetOffset(32); err != nil {
			t.Fatalf("SetOffset pass %d: %v", i, err)
		}
		if err := enc.PrepareForEncryption(ctx); err != nil {
			t.Fatalf("PrepareForEncryption pass %d: %v", i, err)
		}
		if _, err := enc.Convert(ctx, []byte("same range twice"), FormatInternal); err != nil {
			t.Fatalf("Convert pass %d: %v", i, err)
		}
		_, err = enc.Finish(ctx)
		enc.Close()
		if i == 0 {
			if err != nil {
				t.Fatalf("first encryption at a fresh range should succeed: %v", err)
			}
		} else {
			if err == nil {
				t.Fatalf("re-encrypting the same range must be rejected")
			}
			var cfgErr *onetimeerr.Configuration
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *onetimeerr.Configuration, got %T: %v", err, err)
			}
		}
	}
}

func TestSetOffsetRejectsReservedIdentifierStretch(t *testing.T) {
	padPath := writeTestPad(t, 4096)
	s, err := New(context.Background(), padPath, newEphemeralStore(t), rng.NewTestRNG(), true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	if err := s.SetOffset(16); err == nil {
		t.Fatalf("expected an error for an offset inside the reserved identifier stretch")
	}
}

func TestSetOffsetRejectsOffsetBeyondPad(t *testing.T) {
	padPath := writeTestPad(t, 100)
	s, err := New(context.Background(), padPath, newEphemeralStore(t), rng.NewTestRNG(), true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	if err := s.SetOffset(1000); err == nil {
		t.Fatalf("expected an error for an offset beyond the pad")
	}
}

func TestPrepareForBothRolesIsOverPrepared(t *testing.T) {
	padPath := writeTestPad(t, 4096)
	s, err := New(context.Background(), padPath, newEphemeralStore(t), rng.NewTestRNG(), true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	if err := s.SetOffset(32); err != nil {
		t.Fatalf("SetOffset: %v", err)
	}
	if err := s.PrepareForDecryption(); err != nil {
		t.Fatalf("PrepareForDecryption: %v", err)
	}
	if err := s.PrepareForEncryption(context.Background()); err == nil {
		t.Fatalf("expected an error preparing for encryption after decryption")
	}
}

func TestConvertBeforeOffsetIsUninitialized(t *testing.T) {
	padPath := writeTestPad(t, 4096)
	s, err := New(context.Background(), padPath, newEphemeralStore(t), rng.NewTestRNG(), true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	if _, err := s.Convert(context.Background(), []byte("x"), FormatInternal); err == nil {
		t.Fatalf("expected an error converting before an offset is set")
	}
}

func TestDecryptionRecordsOverlappingRangeOnRedecryption(t *testing.T) {
	ctx := context.Background()
	padPath := writeTestPad(t, 4096)
	plaintext := []byte("decrypt me twice")

	encStore := newEphemeralStore(t)
	enc, err := New(ctx, padPath, encStore, rng.NewTestRNG(), true)
	if err != nil {
		t.Fatalf("New (encrypt): %v", err)
	}
	defer enc.Close()
	if err := enc.SetOffset(32); err != nil {
		t.Fatalf("SetOffset: %v", err)
	}
	if err := enc.PrepareForEncryption(ctx); err != nil {
		t.Fatalf("PrepareForEncryption: %v", err)
	}
	var ciphertext bytes.Buffer
	out, _ := enc.Convert(ctx, plaintext, FormatInternal)
	ciphertext.Write(out)
	tail, err := enc.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish (encrypt): %v", err)
	}
	ciphertext.Write(tail)

	store := newEphemeralStore(t)
	for i := 0; i < 2; i++ {
		dec, err := New(ctx, padPath, store, rng.NewTestRNG(), false)
		if err != nil {
			t.Fatalf("New (decrypt) pass %d: %v", i, err)
		}
		if err := dec.SetOffset(32); err != nil {
			t.Fatalf("SetOffset pass %d: %v", i, err)
		}
		if err := dec.PrepareForDecryption(); err != nil {
			t.Fatalf("PrepareForDecryption pass %d: %v", i, err)
		}
		if _, err := dec.Convert(ctx, ciphertext.Bytes(), FormatInternal); err != nil {
			t.Fatalf("Convert pass %d: %v", i, err)
		}
		if _, err := dec.Finish(ctx); err != nil {
			t.Fatalf("Finish pass %d (re-decryption must not be rejected as an overlap): %v", i, err)
		}
		dec.Close()
	}
}
