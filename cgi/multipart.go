package cgi

import (
	"bytes"
	"fmt"
	"strings"
)

var crlf = []byte("\r\n")

// Part is one element of a multipart/form-data body. Headers have been
// lossily converted to UTF-8, names lower-cased and trimmed, values
// stripped of leading whitespace. Data stays raw bytes so binary
// uploads survive untouched.
type Part struct {
	Headers  map[string]string
	Name     string
	Filename string
	Data     []byte
}

// decodeMultipart splits body into parts along the boundary token.
// Line discipline is strict CRLF throughout: delimiter lines, header
// lines and the blank separator must all end with \r\n. A bare \n is
// not a line terminator. Failures are never partial: either every part
// parses and the terminal delimiter is present, or the whole decode
// fails.
func decodeMultipart(body []byte, boundary string) ([]Part, *Error) {
	delim := []byte("--" + boundary)
	// Separator between a part's payload and the next delimiter line.
	sep := append([]byte("\r\n"), delim...)

	pos, ok := findFirstDelimiter(body, delim)
	if !ok {
		return nil, multipartError(fmt.Sprintf("boundary %q not found in body", boundary))
	}
	pos += len(delim)

	parts := []Part{}
	for {
		rest := body[pos:]
		if bytes.HasPrefix(rest, []byte("--")) {
			// Terminal delimiter; anything after it is ignored.
			return parts, nil
		}
		if !bytes.HasPrefix(rest, crlf) {
			return nil, multipartError(fmt.Sprintf("delimiter line at offset %d does not end with CRLF", pos-len(delim)))
		}
		pos += len(crlf)

		end := bytes.Index(body[pos:], sep)
		if end < 0 {
			return nil, multipartError("terminal delimiter missing")
		}
		part, perr := parsePart(body[pos : pos+end])
		if perr != nil {
			return nil, perr
		}
		parts = append(parts, part)
		pos += end + len(sep)
	}
}

// findFirstDelimiter locates the first delimiter occurrence that sits
// at the very start of the buffer or right after a CRLF (an arbitrary
// preamble may precede it).
func findFirstDelimiter(body, delim []byte) (int, bool) {
	off := 0
	for {
		n := bytes.Index(body[off:], delim)
		if n < 0 {
			return 0, false
		}
		idx := off + n
		if idx == 0 || bytes.HasSuffix(body[:idx], crlf) {
			return idx, true
		}
		off = idx + 1
	}
}

// parsePart interprets one segment between two delimiters: CRLF-ended
// header lines, a CRLF-only blank line, then the raw payload. The
// trailing CRLF before the next delimiter has already been stripped by
// the caller.
func parsePart(segment []byte) (Part, *Error) {
	headers := make(map[string]string)
	pos := 0
	sawBlank := false
	for {
		n := bytes.Index(segment[pos:], crlf)
		if n < 0 {
			break
		}
		line := segment[pos : pos+n]
		pos += n + len(crlf)
		if len(line) == 0 {
			sawBlank = true
			break
		}
		name, value, ok := splitHeaderLine(line)
		if !ok {
			return Part{}, multipartError(fmt.Sprintf("malformed part header line %q", line))
		}
		headers[name] = value
	}
	if !sawBlank {
		return Part{}, multipartError("part is missing the blank line separating headers from payload")
	}

	disposition, ok := headers["content-disposition"]
	if !ok {
		return Part{}, multipartError("part has no content-disposition header")
	}
	name, ok := dispositionParam(disposition, "name")
	if !ok {
		return Part{}, multipartError(fmt.Sprintf("content-disposition %q has no name parameter", disposition))
	}
	filename, _ := dispositionParam(disposition, "filename")

	data := make([]byte, len(segment)-pos)
	copy(data, segment[pos:])

	return Part{
		Headers:  headers,
		Name:     name,
		Filename: filename,
		Data:     data,
	}, nil
}

// splitHeaderLine parses a Name: Value line. Both sides are lossily
// converted to UTF-8; the name is trimmed and lower-cased, the value
// keeps its trailing whitespace.
func splitHeaderLine(line []byte) (string, string, bool) {
	sep := bytes.IndexByte(line, ':')
	if sep < 0 {
		return "", "", false
	}
	name := strings.ToLower(strings.TrimSpace(lossyUTF8(string(line[:sep]))))
	value := strings.TrimLeft(lossyUTF8(string(line[sep+1:])), " \t")
	if name == "" {
		return "", "", false
	}
	return name, value, true
}

// dispositionParam extracts a parameter from a Content-Disposition
// value. Whitespace around '=' is tolerated; quoted values are taken
// from within the double quotes, bare tokens run to the next ';'.
func dispositionParam(disposition, key string) (string, bool) {
	for i := 0; i+len(key) <= len(disposition); {
		n := strings.Index(disposition[i:], key)
		if n < 0 {
			return "", false
		}
		start := i + n
		if start > 0 {
			// Reject matches inside a longer parameter name, e.g.
			// "name" inside "filename".
			if prev := disposition[start-1]; prev != ';' && prev != ' ' && prev != '\t' {
				i = start + 1
				continue
			}
		}
		rest := strings.TrimLeft(disposition[start+len(key):], " \t")
		if !strings.HasPrefix(rest, "=") {
			i = start + 1
			continue
		}
		rest = strings.TrimLeft(rest[1:], " \t")
		if strings.HasPrefix(rest, `"`) {
			endQuote := strings.IndexByte(rest[1:], '"')
			if endQuote < 0 {
				return "", false
			}
			return rest[1 : 1+endQuote], true
		}
		if semi := strings.IndexByte(rest, ';'); semi >= 0 {
			return strings.TrimRight(rest[:semi], " \t"), true
		}
		return strings.TrimRight(rest, " \t"), true
	}
	return "", false
}

func multipartError(details string) *Error {
	return &Error{
		Code:    400,
		Message: "not a valid multipart/form-data body",
		Details: details,
	}
}
