package scan

import (
	"bytes"
	"encoding/json"
)

var (
	nulEscape         = []byte(`\u0000`)
	replacementEscape = []byte(`\ufffd`)
)

// StripNUL rewrites every \u0000 escape inside the strings of a valid JSON
// document as \ufffd. Postgres jsonb refuses the NUL code point.
func StripNUL(raw json.RawMessage) json.RawMessage {
	if !bytes.Contains(raw, nulEscape) {
		return raw
	}
	out := make([]byte, 0, len(raw))
	inString := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			out = append(out, c)
			continue
		}
		switch c {
		case '"':
			inString = false
		case '\\':
			if bytes.HasPrefix(raw[i:], nulEscape) {
				out = append(out, replacementEscape...)
				i += len(nulEscape) - 1
				continue
			}
			if i+1 < len(raw) {
				// Copy the escaped byte as-is so \\ and \" never end the string early.
				out = append(out, c, raw[i+1])
				i++
				continue
			}
		}
		out = append(out, c)
	}
	return out
}
