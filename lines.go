package serial

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Encoding names the text encoding used on the wire.
type Encoding string

const (
	// EncodingASCII accepts bytes below 0x80 only.
	EncodingASCII Encoding = "ascii"
	// EncodingUTF8 accepts well-formed UTF-8.
	EncodingUTF8 Encoding = "utf-8"
)

func (e Encoding) valid() bool {
	return e == EncodingASCII || e == EncodingUTF8
}

// invalidAt returns the offset of the first byte of b that is not valid in e, or -1.
func (e Encoding) invalidAt(b []byte) int {
	switch e {
	case EncodingUTF8:
		for i := 0; i < len(b); {
			r, size := utf8.DecodeRune(b[i:])
			if r == utf8.RuneError && size <= 1 {
				return i
			}
			i += size
		}
		return -1
	default:
		for i, c := range b {
			if c >= utf8.RuneSelf {
				return i
			}
		}
		return -1
	}
}

func (e Encoding) encode(payload string) ([]byte, error) {
	b := []byte(payload)
	if off := e.invalidAt(b); off >= 0 {
		return nil, &EncodeError{Encoding: e, Offset: off}
	}
	return b, nil
}

// lineAssembler holds the partial line between read batches.
// It is owned by the receive worker and never contains a '\n'.
type lineAssembler struct {
	encoding Encoding
	buf      strings.Builder
}

func newLineAssembler(enc Encoding) *lineAssembler {
	return &lineAssembler{encoding: enc}
}

// feed decodes batch and returns the lines it completes, in order.
// A batch that fails to decode is dropped as a whole and leaves the partial line untouched.
func (a *lineAssembler) feed(batch []byte) ([]string, error) {
	if off := a.encoding.invalidAt(batch); off >= 0 {
		return nil, &DecodeError{Encoding: a.encoding, Offset: off}
	}
	var lines []string
	for _, r := range string(batch) {
		if r == '\n' {
			lines = append(lines, strings.TrimRightFunc(a.buf.String(), unicode.IsSpace))
			a.buf.Reset()
			continue
		}
		a.buf.WriteRune(r)
	}
	return lines, nil
}
