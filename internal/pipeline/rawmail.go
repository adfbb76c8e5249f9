package pipeline

// rawmail.go — byte-level header splicing for the accepted-path transforms.
//
// Semantic reads (addresses, content types, DSN parts) go through
// emersion/go-message; the transforms below edit the header block in place
// on the raw bytes instead, because re-encoding an arbitrary MIME tree just
// to add a header or a subject prefix risks altering body bytes we have no
// reason to touch.

import (
	"bytes"
	"strings"
)

// splitHeaderBody splits a raw RFC 5322 message at the first blank line.
// The returned header block excludes the blank line; body is everything
// after it. A message with no blank line is all header.
func splitHeaderBody(raw []byte) (header, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+2], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+1], raw[i+2:]
	}
	return raw, nil
}

// lineEnding returns the newline convention used by the header block.
func lineEnding(header []byte) []byte {
	if bytes.Contains(header, []byte("\r\n")) {
		return []byte("\r\n")
	}
	return []byte("\n")
}

// headerLines splits a header block into logical (unfolded-boundary) lines:
// each element is one field including its continuation lines.
func headerLines(header []byte) [][]byte {
	var fields [][]byte
	var cur []byte
	for _, line := range bytes.SplitAfter(header, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && cur != nil {
			cur = append(cur, line...)
			continue
		}
		if cur != nil {
			fields = append(fields, cur)
		}
		cur = append([]byte(nil), line...)
	}
	if cur != nil {
		fields = append(fields, cur)
	}
	return fields
}

// fieldIs reports whether the logical header line carries the named field.
func fieldIs(line []byte, name string) bool {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(string(line[:i])), name)
}

// Subject returns the message's unfolded Subject value. Exported for the
// hold bookkeeping, which records it on the review record.
func Subject(raw []byte) string { return getHeader(raw, "Subject") }

// getHeader returns the unfolded value of the first occurrence of name.
func getHeader(raw []byte, name string) string {
	header, _ := splitHeaderBody(raw)
	for _, line := range headerLines(header) {
		if !fieldIs(line, name) {
			continue
		}
		i := bytes.IndexByte(line, ':')
		v := string(line[i+1:])
		v = strings.ReplaceAll(v, "\r\n", " ")
		v = strings.ReplaceAll(v, "\n", " ")
		return strings.TrimSpace(v)
	}
	return ""
}

// deleteHeaders removes every occurrence of the named fields.
func deleteHeaders(raw []byte, names ...string) []byte {
	header, body := splitHeaderBody(raw)
	var out []byte
	for _, line := range headerLines(header) {
		drop := false
		for _, n := range names {
			if fieldIs(line, n) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, line...)
		}
	}
	return joinHeaderBody(out, body, lineEnding(header))
}

// addHeaders appends fields (given as "Name: value" without line ending)
// to the end of the header block.
func addHeaders(raw []byte, fields ...string) []byte {
	header, body := splitHeaderBody(raw)
	nl := lineEnding(header)
	out := append([]byte(nil), header...)
	for _, f := range fields {
		out = append(out, []byte(f)...)
		out = append(out, nl...)
	}
	return joinHeaderBody(out, body, nl)
}

// replaceHeader sets name to value, replacing the first occurrence in
// place or appending when absent.
func replaceHeader(raw []byte, name, value string) []byte {
	header, body := splitHeaderBody(raw)
	nl := lineEnding(header)
	replaced := false
	var out []byte
	for _, line := range headerLines(header) {
		if !replaced && fieldIs(line, name) {
			out = append(out, []byte(name+": "+value)...)
			out = append(out, nl...)
			replaced = true
			continue
		}
		out = append(out, line...)
	}
	if !replaced {
		out = append(out, []byte(name+": "+value)...)
		out = append(out, nl...)
	}
	return joinHeaderBody(out, body, nl)
}

func joinHeaderBody(header, body []byte, nl []byte) []byte {
	out := append([]byte(nil), header...)
	out = append(out, nl...)
	return append(out, body...)
}
