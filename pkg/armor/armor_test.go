package armor

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rayozzie/onetime/pkg/padsession"
)

func TestWriteParseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("QUJDREVGRw==\nSElKS0xNTg==\n")
	if err := Write(&buf, strings.Repeat("ab", 32), 12345, body); err != nil {
		t.Fatalf("Write: %v", err)
	}

	msg, err := Parse(&buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Level != padsession.FormatInternal {
		t.Fatalf("Level = %q, want %q", msg.Level, padsession.FormatInternal)
	}
	if msg.PadID != strings.Repeat("ab", 32) {
		t.Fatalf("PadID = %q", msg.PadID)
	}
	if msg.Offset != 12345 {
		t.Fatalf("Offset = %d, want 12345", msg.Offset)
	}
	if string(msg.Body) != "QUJDREVGRw==SElKS0xNTg==" {
		t.Fatalf("Body = %q", msg.Body)
	}
}

func TestParseLegacyMarkersImplyOriginalFormat(t *testing.T) {
	input := "-----BEGIN OTP MESSAGE-----\n" +
		"Pad ID: deadbeef\n" +
		"Offset: 99\n\n" +
		"QUJD\n" +
		"-----END OTP MESSAGE-----\n"
	msg, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Level != padsession.FormatOriginal {
		t.Fatalf("Level = %q, want %q (absent Format: implies original)", msg.Level, padsession.FormatOriginal)
	}
	if msg.PadID != "deadbeef" || msg.Offset != 99 {
		t.Fatalf("unexpected headers: %+v", msg)
	}
}

func TestParseRejectsMissingBeginMarker(t *testing.T) {
	_, err := Parse(strings.NewReader("Format: internal\nPad ID: x\n"))
	if err == nil {
		t.Fatalf("expected an armor error for missing begin marker")
	}
}

func TestParseRejectsMissingEndMarker(t *testing.T) {
	input := beginCurrent + "\nFormat: internal\nPad ID: abcd\nOffset: 1\n\nQUJD\n"
	_, err := Parse(strings.NewReader(input))
	if err == nil {
		t.Fatalf("expected an armor error for missing end marker")
	}
}

func TestParseRejectsUnknownFormatValue(t *testing.T) {
	input := beginCurrent + "\nFormat: quantum\nPad ID: abcd\nOffset: 1\n\nQUJD\n" + endCurrent + "\n"
	_, err := Parse(strings.NewReader(input))
	if err == nil {
		t.Fatalf("expected an error for an unknown Format: value")
	}
}

func TestParseRejectsMalformedOffset(t *testing.T) {
	input := beginCurrent + "\nFormat: internal\nPad ID: abcd\nOffset: not-a-number\n\nQUJD\n" + endCurrent + "\n"
	_, err := Parse(strings.NewReader(input))
	if err == nil {
		t.Fatalf("expected an error for a malformed Offset:")
	}
}

func TestParseTrimsInlineNoteFromFormatLine(t *testing.T) {
	input := beginCurrent + "\nFormat: internal  << NOTE: old clients cannot read this. >>\nPad ID: abcd\nOffset: 1\n\nQUJD\n" + endCurrent + "\n"
	msg, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Level != padsession.FormatInternal {
		t.Fatalf("Level = %q, want %q", msg.Level, padsession.FormatInternal)
	}
}
