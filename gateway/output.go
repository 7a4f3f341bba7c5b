package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// ScriptResponse is the parsed stdout of a CGI child: the Status
// header (default 200), the remaining headers, and the body bytes.
type ScriptResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// ParseOutput splits raw CGI output into its header block and body.
// Children may end header lines with bare LF; the gateway stays
// tolerant of the scripts it hosts (the strict side of the protocol
// lives in the cgi package).
func ParseOutput(raw []byte) (*ScriptResponse, error) {
	headerEnd, bodyStart := splitHeadBody(raw)
	if bodyStart < 0 {
		return nil, errors.New("cgi output has no blank line separating headers from body")
	}

	resp := &ScriptResponse{
		Status:  http.StatusOK,
		Headers: http.Header{},
	}

	for lineNo, line := range strings.Split(string(raw[:headerEnd]), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("cgi output header line %d is malformed: %q", lineNo+1, line)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)

		if strings.EqualFold(name, "Status") {
			// The value may carry a reason phrase ("404 Not Found").
			code, _, _ := strings.Cut(value, " ")
			status, err := strconv.Atoi(code)
			if err != nil {
				return nil, fmt.Errorf("cgi output has unparseable Status header %q", value)
			}
			resp.Status = status
			continue
		}
		resp.Headers.Add(name, value)
	}

	resp.Body = raw[bodyStart:]
	return resp, nil
}

// splitHeadBody finds the blank line ending the header block, trying
// CRLFCRLF first and falling back to LFLF. Returns the header block
// length and the body start, or -1 when no separator exists.
func splitHeadBody(raw []byte) (headerEnd, bodyStart int) {
	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	lf := bytes.Index(raw, []byte("\n\n"))

	switch {
	case crlf >= 0 && (lf < 0 || crlf <= lf):
		return crlf, crlf + 4
	case lf >= 0:
		return lf, lf + 2
	default:
		return 0, -1
	}
}
