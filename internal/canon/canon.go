// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

// Package canon implements the "simple" and "relaxed" header and body
// canonicalization algorithms defined in RFC 6376 §3.4.
package canon

import (
	"bytes"
	"regexp"
)

// Algorithm names as they appear in a DKIM-Signature's c= tag.
const (
	Simple  = "simple"
	Relaxed = "relaxed"
)

// Header canonicalizes one raw header field (including its trailing
// CRLF) under the named algorithm.
func Header(algo string, raw []byte) []byte {
	if algo == Relaxed {
		return relaxedHeader(raw)
	}
	return simpleHeader(raw)
}

// simpleHeader leaves the field completely unmodified.
func simpleHeader(raw []byte) []byte {
	return raw
}

var wsRun = regexp.MustCompile(`[ \t]+`)

// relaxedHeader lower-cases the field name, unfolds continuation
// lines, collapses runs of WSP to a single space, trims trailing WSP
// from each unfolded line, and removes leading/trailing whitespace
// around the value.
func relaxedHeader(raw []byte) []byte {
	s := string(bytes.TrimRight(raw, "\r\n"))
	// Unfold: remove CRLF immediately followed by WSP, keeping the WSP.
	s = regexp.MustCompile(`\r\n([ \t])`).ReplaceAllString(s, "$1")

	colon := bytes.IndexByte([]byte(s), ':')
	if colon < 0 {
		return append([]byte(s), '\r', '\n')
	}
	name := lowerASCII(s[:colon])
	value := s[colon+1:]
	value = wsRun.ReplaceAllString(value, " ")
	value = trimWSP(value)
	out := name + ":" + value + "\r\n"
	return []byte(out)
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func trimWSP(s string) string {
	i, j := 0, len(s)
	for i < j && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	for j > i && (s[j-1] == ' ' || s[j-1] == '\t') {
		j--
	}
	return s[i:j]
}

// Body canonicalizes a message body under the named algorithm.
func Body(algo string, body []byte) []byte {
	if algo == Relaxed {
		return relaxedBody(body)
	}
	return simpleBody(body)
}

// simpleBody reduces trailing empty lines to a single CRLF and ensures
// a non-empty body always ends with CRLF (RFC 6376 §3.4.3).
func simpleBody(body []byte) []byte {
	if len(body) == 0 {
		return []byte("\r\n")
	}
	trimmed := bytes.TrimRight(body, "\r\n")
	if len(trimmed) == 0 {
		return []byte("\r\n")
	}
	out := make([]byte, 0, len(trimmed)+2)
	out = append(out, trimmed...)
	out = append(out, '\r', '\n')
	return out
}

var bodyWsRun = regexp.MustCompile(`[ \t]+`)

// relaxedBody collapses WSP runs within a line, strips trailing WSP
// from each line, and reduces trailing empty lines to none (an
// entirely empty canonicalized body is represented as zero bytes).
func relaxedBody(body []byte) []byte {
	lines := bytes.Split(body, []byte("\r\n"))
	for i, line := range lines {
		line = bodyWsRun.ReplaceAll(line, []byte(" "))
		line = bytes.TrimRight(line, " \t")
		lines[i] = line
	}
	// Drop trailing empty lines (these correspond to trailing blank
	// lines at the end of the body).
	end := len(lines)
	for end > 0 && len(lines[end-1]) == 0 {
		end--
	}
	lines = lines[:end]
	if len(lines) == 0 {
		return nil
	}
	out := bytes.Join(lines, []byte("\r\n"))
	out = append(out, '\r', '\n')
	return out
}

// LimitBody truncates a canonicalized body to the first n bytes, for
// the DKIM-Signature l= tag. n < 0 means no limit.
func LimitBody(body []byte, n int64) []byte {
	if n < 0 || int64(len(body)) <= n {
		return body
	}
	return body[:n]
}
