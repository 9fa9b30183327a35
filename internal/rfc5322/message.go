// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

package rfc5322

import (
	"bytes"
	"fmt"
)

// Field is one header field as it appeared in the original message:
// Name is the field name with its original case, Raw is the complete
// field (name, colon, value, any internal folding) terminated by a
// single trailing CRLF, exactly as received. Canonicalization operates
// on Raw, never on a re-serialized form, so that "simple" canon is
// byte-for-byte faithful.
type Field struct {
	Name string
	Raw  []byte
}

// Message is a raw message split into its header fields, in original
// order, and its body.
type Message struct {
	Header []Field
	Body   []byte
}

// Parse splits raw message bytes into header fields and body per RFC
// 5322 §2.1 (header block terminated by the first empty line). Line
// endings are normalized to CRLF before splitting, since DKIM
// canonicalization is defined over CRLF-terminated lines and many
// transports or test fixtures carry bare LF.
func Parse(raw []byte) (*Message, error) {
	raw = toCRLF(raw)

	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	var headerBlock, body []byte
	if idx < 0 {
		// No body: the whole message is header, or malformed. Treat
		// everything as header with an empty body, matching how most
		// MTAs hand off a headers-only message.
		headerBlock = raw
		body = nil
	} else {
		headerBlock = raw[:idx+2]
		body = raw[idx+4:]
	}

	fields, err := splitFields(headerBlock)
	if err != nil {
		return nil, err
	}
	return &Message{Header: fields, Body: body}, nil
}

func toCRLF(raw []byte) []byte {
	// Normalize lone "\n" to "\r\n" without double-converting existing
	// "\r\n" pairs.
	if !bytes.Contains(raw, []byte("\n")) {
		return raw
	}
	raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	raw = bytes.ReplaceAll(raw, []byte("\n"), []byte("\r\n"))
	return raw
}

// splitFields splits a header block (including its trailing blank
// line's leading CRLF, if any) into ordered Fields. A field begins at
// a line that does not start with WSP (space or tab); subsequent WSP
// lines are folded continuations and are kept as part of Raw.
func splitFields(block []byte) ([]Field, error) {
	lines := splitLinesKeepEnds(block)

	var fields []Field
	var cur []byte
	var curName string
	flush := func() {
		if cur != nil {
			fields = append(fields, Field{Name: curName, Raw: cur})
		}
	}

	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if cur == nil {
				return nil, fmt.Errorf("rfc5322: header starts with folded continuation line")
			}
			cur = append(cur, line...)
			continue
		}
		flush()
		cur = append([]byte(nil), line...)
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return nil, fmt.Errorf("rfc5322: malformed header field (no colon): %q", string(bytes.TrimRight(line, "\r\n")))
		}
		curName = string(line[:colon])
	}
	flush()

	return fields, nil
}

// splitLinesKeepEnds splits on "\r\n" while keeping the terminator
// attached to each returned line, and drops the final empty element
// produced by a trailing terminator.
func splitLinesKeepEnds(b []byte) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		idx := bytes.Index(b, []byte("\r\n"))
		if idx < 0 {
			out = append(out, b)
			break
		}
		out = append(out, b[:idx+2])
		b = b[idx+2:]
	}
	return out
}

// FieldsByName returns, in original order, all header fields whose
// Name matches name case-insensitively.
func FieldsByName(fields []Field, name string) []Field {
	var out []Field
	for _, f := range fields {
		if equalFold(f.Name, name) {
			out = append(out, f)
		}
	}
	return out
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
