// Package canon produces stable fingerprints of recorded payloads and the
// composite lookup keys that tie a recorded IO edge to a future replay call.
//
// The canonical form is UTF-8 JSON with ASCII escapes, sorted object keys,
// compact separators, six-decimal float rounding, and normalised strings.
// Two values that differ only in map insertion order, line-ending style, or
// interior whitespace runs hash identically.
package canon

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical serialises a Value into its canonical byte form. This is
// the only serialisation that may be used for fingerprint computation.
func MarshalCanonical(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("canon: nil Value")
	case Null:
		buf.WriteString("null")
	case Bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case Float:
		writeCanonicalFloat(buf, float64(val))
	case Str:
		writeCanonicalString(buf, NormalizeString(string(val)))
	case List:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("canon: list[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case Map:
		buf.WriteByte('{')
		for i, k := range val.SortedKeys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			// Keys are emitted verbatim: normalising them could merge two
			// distinct keys into one entry.
			writeCanonicalString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("canon: map[%q]: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canon: unsupported value type %T", v)
	}
	return nil
}

// writeCanonicalFloat rounds to six decimal places and emits the shortest
// representation that round-trips. Values that round to an integer are
// still emitted with a trailing ".0" so floats and ints stay distinct.
func writeCanonicalFloat(buf *bytes.Buffer, f float64) {
	rounded := math.Round(f*1e6) / 1e6
	s := strconv.FormatFloat(rounded, 'g', -1, 64)
	buf.WriteString(s)
	if !strings.ContainsAny(s, ".eE") {
		buf.WriteString(".0")
	}
}

// writeCanonicalString emits a JSON string with every non-ASCII rune escaped
// as \uXXXX (surrogate pairs for runes beyond the BMP), matching the
// ensure-ascii form regardless of platform or locale.
func writeCanonicalString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			switch {
			case r < 0x20:
				fmt.Fprintf(buf, `\u%04x`, r)
			case r < 0x80:
				buf.WriteRune(r)
			case r <= 0xFFFF:
				fmt.Fprintf(buf, `\u%04x`, r)
			default:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
			}
		}
	}
	buf.WriteByte('"')
}

// NormalizeString applies the canonical string normalisation:
//
//  1. CRLF and bare CR become LF.
//  2. Leading and trailing whitespace is stripped.
//  3. Within each line, leading indentation is preserved and interior runs
//     of spaces collapse to a single space.
//  4. The result is NFC-normalised so composed and decomposed forms of the
//     same text hash identically.
func NormalizeString(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.TrimSpace(s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		content := strings.TrimLeft(line, " ")
		if content == "" {
			lines[i] = ""
			continue
		}
		indent := line[:len(line)-len(content)]
		lines[i] = indent + collapseSpaces(content)
	}

	return norm.NFC.String(strings.Join(lines, "\n"))
}

// collapseSpaces replaces every run of two or more spaces with one.
func collapseSpaces(s string) string {
	if !strings.Contains(s, "  ") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for _, r := range s {
		if r == ' ' {
			if prevSpace {
				continue
			}
			prevSpace = true
		} else {
			prevSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
