package cgi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

var errAlreadySent = errors.New("cgi: response already serialized")

type headerField struct {
	name  string
	value string
}

// EmptyResponse is a body-less CGI response under construction.
// Attaching a content type with WithContentType moves it into the
// body-bearing FullResponse state; an EmptyResponse can also be
// serialized directly for responses without a body.
type EmptyResponse struct {
	status int
	fields []headerField
	sent   bool
}

// NewResponse starts a response with the given status code. The code
// is emitted verbatim; no range validation is applied.
func NewResponse(status int) *EmptyResponse {
	return &EmptyResponse{status: status}
}

// AddHeader appends a header field. Repeated names are kept and
// emitted separately, in insertion order.
func (r *EmptyResponse) AddHeader(name, value string) {
	r.fields = append(r.fields, headerField{name, value})
}

// WithHeader is AddHeader for builder chains.
func (r *EmptyResponse) WithHeader(name, value string) *EmptyResponse {
	r.AddHeader(name, value)
	return r
}

// WithContentType attaches a content type, turning the response into a
// FullResponse that accepts body bytes. The Content-Type header takes
// its place in the emission order here. The receiver must not be used
// afterwards.
func (r *EmptyResponse) WithContentType(contentType string) *FullResponse {
	full := &FullResponse{status: r.status, fields: r.fields, sent: r.sent}
	full.fields = append(full.fields, headerField{"Content-Type", contentType})
	return full
}

// Respond serializes the response to w: the CGI Status header, every
// accumulated header in insertion order, then a blank line. A response
// serializes exactly once; further calls return an error.
func (r *EmptyResponse) Respond(w io.Writer) error {
	if r.sent {
		return errAlreadySent
	}
	r.sent = true
	return writeHead(w, r.status, r.fields)
}

// FullResponse is a response carrying a content type and a growable
// body. The only way to obtain one is EmptyResponse.WithContentType.
// It implements io.Writer; writes append to the body in order.
type FullResponse struct {
	status int
	fields []headerField
	body   bytes.Buffer
	sent   bool
}

// AddHeader appends a header field. Repeated names are kept and
// emitted separately, in insertion order.
func (r *FullResponse) AddHeader(name, value string) {
	r.fields = append(r.fields, headerField{name, value})
}

// WithHeader is AddHeader for builder chains.
func (r *FullResponse) WithHeader(name, value string) *FullResponse {
	r.AddHeader(name, value)
	return r
}

// WithBody appends body bytes for builder chains.
func (r *FullResponse) WithBody(body []byte) *FullResponse {
	if !r.sent {
		r.body.Write(body)
	}
	return r
}

// Write appends to the response body. It fails once the response has
// been serialized.
func (r *FullResponse) Write(p []byte) (int, error) {
	if r.sent {
		return 0, errAlreadySent
	}
	return r.body.Write(p)
}

// Respond serializes the response to w: the CGI Status header, the
// accumulated headers in insertion order (Content-Length is added when
// the body is nonempty), a blank line, then the body bytes. A response
// serializes exactly once; further calls return an error.
func (r *FullResponse) Respond(w io.Writer) error {
	if r.sent {
		return errAlreadySent
	}
	r.sent = true

	fields := r.fields
	if r.body.Len() > 0 {
		fields = append(fields[:len(fields):len(fields)],
			headerField{"Content-Length", strconv.Itoa(r.body.Len())})
	}
	if err := writeHead(w, r.status, fields); err != nil {
		return err
	}
	if r.body.Len() > 0 {
		if _, err := w.Write(r.body.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// writeHead emits the CGI-style header block in one write.
func writeHead(w io.Writer, status int, fields []headerField) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Status: %d\r\n", status)
	for _, f := range fields {
		fmt.Fprintf(&buf, "%s: %s\r\n", f.name, f.value)
	}
	buf.WriteString("\r\n")
	_, err := w.Write(buf.Bytes())
	return err
}
