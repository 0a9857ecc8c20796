// Package main provides the command-line interface for the OneTime
// pad-session engine.
//
// OneTime encrypts and decrypts messages against a user-supplied
// one-time pad file, tracking pad consumption in a per-user
// pad-records store so that a given byte range is never reused for
// encryption.
//
// Usage examples:
//
//	# Encrypt stdin, writing armored ciphertext to stdout
//	onetime encrypt --pad /path/to/pad.bin < message.txt > message.otp
//
//	# Decrypt an armored message back to plaintext
//	onetime decrypt --pad /path/to/pad.bin < message.otp > message.txt
//
//	# Use an ephemeral, unsaved pad-records store (useful for testing)
//	onetime encrypt --pad /path/to/pad.bin --config-area - < message.txt
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/rayozzie/onetime/pkg/armor"
	"github.com/rayozzie/onetime/pkg/padrecords"
	"github.com/rayozzie/onetime/pkg/padsession"
	"github.com/rayozzie/onetime/pkg/rng"
	"github.com/rayozzie/onetime/pkg/stream"
	"github.com/rayozzie/onetime/pkg/trace"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  onetime encrypt --pad <path> [--config-area DIR|-] [--no-trace] [--test-mode] [--offset N] [--in FILE] [--out FILE]
  onetime decrypt --pad <path> [--config-area DIR|-] [--no-trace] [--test-mode] [--in FILE] [--out FILE]

Commands:
  encrypt           Read plaintext, write an armored OneTime message
  decrypt           Read an armored OneTime message, write plaintext

Options:
  --pad PATH        One-time pad file (required)
  --config-area DIR Pad-records config directory (default ~/.onetime, "-" for ephemeral)
  --no-trace        Do not record pad consumption after a successful finish
  --test-mode       Seed the fuzz source deterministically (value 1729), for reproducible tests
  --offset N        Explicit starting offset for encrypt (must be >= 32); 0 lets the store choose one.
                    Decrypt ignores it and uses the message's Offset: header
  --in FILE         Read input from FILE instead of stdin
  --out FILE        Write output to FILE instead of stdout
  --verbose         Enable detailed (debug/trace) logging
`)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd := os.Args[1]
	if cmd != "encrypt" && cmd != "decrypt" {
		usage()
	}

	fs := pflag.NewFlagSet(cmd, pflag.ExitOnError)
	padPath := fs.String("pad", "", "one-time pad file (required)")
	configArea := fs.String("config-area", "", "pad-records config directory (default ~/.onetime, \"-\" for ephemeral)")
	noTrace := fs.Bool("no-trace", false, "do not record pad consumption after a successful finish")
	testMode := fs.Bool("test-mode", false, "seed the fuzz source deterministically (1729)")
	offset := fs.Int64("offset", 0, "explicit starting offset (>= 32); 0 lets the store choose one")
	inPath := fs.String("in", "", "read input from FILE instead of stdin")
	outPath := fs.String("out", "", "write output to FILE instead of stdout")
	verbose := fs.Bool("verbose", false, "enable detailed (debug/trace) logging")
	fs.Parse(os.Args[2:])

	if *padPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --pad is required")
		usage()
	}

	logLevel := trace.LogLevelNormal
	if *verbose {
		logLevel = trace.LogLevelVerbose
	}
	log := trace.NewTracer("MAIN", logLevel)
	ctx := trace.WithContext(context.Background(), log)

	in, err := openInput(*inPath)
	if err != nil {
		log.Fatal(fmt.Errorf("opening input: %w", err))
	}
	defer in.Close()

	out, err := openOutput(*outPath)
	if err != nil {
		log.Fatal(fmt.Errorf("opening output: %w", err))
	}
	defer out.Close()

	store, err := padrecords.Open(ctx, *configArea)
	if err != nil {
		log.Fatal(fmt.Errorf("opening pad-records store: %w", err))
	}

	src, err := newSource(*testMode)
	if err != nil {
		log.Fatal(fmt.Errorf("initializing fuzz source: %w", err))
	}

	session, err := padsession.New(ctx, *padPath, store, src, *noTrace)
	if err != nil {
		log.Fatal(fmt.Errorf("opening pad session: %w", err))
	}
	defer session.Close()

	switch cmd {
	case "encrypt":
		if *offset != 0 {
			if err := session.SetOffset(*offset); err != nil {
				log.Fatal(fmt.Errorf("setting offset: %w", err))
			}
		} else if err := session.UseNextAvailableOffset(); err != nil {
			log.Fatal(fmt.Errorf("choosing offset: %w", err))
		}
		if err := runEncrypt(ctx, session, in, out); err != nil {
			log.Fatal(fmt.Errorf("encrypt failed: %w", err))
		}
	case "decrypt":
		// The offset to decrypt at comes from the armored message's
		// own Offset: header, not from --offset; runDecrypt sets it.
		if err := runDecrypt(ctx, session, in, out); err != nil {
			log.Fatal(fmt.Errorf("decrypt failed: %w", err))
		}
	}
}

func runEncrypt(ctx context.Context, session *padsession.Session, in io.Reader, out io.Writer) error {
	enc, err := stream.NewEncoder(ctx, session)
	if err != nil {
		return err
	}

	plaintext, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("reading plaintext: %w", err)
	}
	if err := enc.Encode(ctx, plaintext); err != nil {
		return err
	}
	body, err := enc.Finish(ctx)
	if err != nil {
		return err
	}

	padID, err := session.ID(padsession.FormatInternal)
	if err != nil {
		return err
	}
	return armor.Write(out, padID, session.Offset(), body)
}

func runDecrypt(ctx context.Context, session *padsession.Session, in io.Reader, out io.Writer) error {
	msg, err := armor.Parse(in)
	if err != nil {
		return err
	}
	if err := session.SetOffset(msg.Offset); err != nil {
		return err
	}

	dec, err := stream.NewDecoder(session, msg.Level)
	if err != nil {
		return err
	}

	partial, err := dec.Decode(ctx, msg.Body)
	if err != nil {
		return err
	}
	final, err := dec.Finish(ctx)
	if err != nil {
		return err
	}
	if _, err := out.Write(partial); err != nil {
		return err
	}
	_, err = out.Write(final)
	return err
}

func newSource(testMode bool) (rng.RNG, error) {
	if testMode {
		return rng.NewTestRNG(), nil
	}
	return rng.NewDefaultRNG()
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func openOutput(path string) (io.WriteCloser, error) {
	if path == "" {
		return noopCloser{os.Stdout}, nil
	}
	return os.Create(path)
}

type noopCloser struct {
	io.Writer
}

func (noopCloser) Close() error { return nil }
