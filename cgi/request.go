// Package cgi reconstructs the HTTP request handed to a CGI program
// through its process environment and standard input, and builds
// well-formed CGI responses for standard output.
//
// A Request is assembled once: HTTP_* environment entries become the
// request headers, everything else lands in the variable store, the
// query string and the body are each resolved exactly once. Outcomes
// with several shapes (query, body) are explicit sum-type-style values
// rather than sentinel errors, so "no body" is a first-class result.
package cgi

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"
)

// headerVarPrefix marks environment variables that carry request
// headers rather than CGI meta-variables.
const headerVarPrefix = "HTTP_"

// Request holds everything a CGI invocation learns from its process
// environment and standard input. It is populated once at
// construction and never mutated afterwards.
type Request struct {
	vars    map[string]string
	headers map[string]string
	query   Query
	body    Body
}

// New builds a Request from the real process environment and standard
// input.
func New() (*Request, error) {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[k] = v
	}
	return FromEnv(env, os.Stdin)
}

// FromEnv builds a Request from an explicit variable mapping and body
// stream. Harnesses and tests use this to fake a CGI environment.
//
// The only hard failure is a missing REQUEST_METHOD variable, which
// means the process was not invoked under the CGI protocol at all.
// Query and body parse failures are recoverable: they are recorded in
// the returned Request and leave the rest of it usable.
func FromEnv(env map[string]string, stdin io.Reader) (*Request, error) {
	r := &Request{
		vars:    make(map[string]string, len(env)),
		headers: make(map[string]string),
	}

	for k, v := range env {
		k = lossyUTF8(k)
		v = lossyUTF8(v)
		if name, ok := strings.CutPrefix(k, headerVarPrefix); ok {
			r.headers[headerName(name)] = v
		} else {
			r.vars[strings.ToUpper(k)] = v
		}
	}

	if _, ok := r.vars["REQUEST_METHOD"]; !ok {
		return nil, &Error{
			Code:    500,
			Message: "not a CGI environment",
			Details: "REQUEST_METHOD environment variable is not set",
		}
	}

	r.query = ParseQueryString(r.vars["QUERY_STRING"])
	r.body = r.readBody(stdin)

	return r, nil
}

// readBody buffers the declared number of body bytes and classifies
// them. The Content-Length and Content-Type declarations are taken
// from the CGI meta-variables, falling back to HTTP_*-derived headers
// for hosts that pass them that way.
func (r *Request) readBody(stdin io.Reader) Body {
	lenStr, ok := r.vars["CONTENT_LENGTH"]
	if !ok {
		lenStr, ok = r.headers["content-length"]
	}
	if !ok {
		return Body{Kind: BodyNone}
	}

	length, err := strconv.Atoi(lenStr)
	if err != nil || length < 0 {
		return Body{Kind: BodyInvalid, Err: &Error{
			Code:    400,
			Message: "invalid Content-Length declaration",
			Details: fmt.Sprintf("Content-Length %q is not a non-negative integer", lenStr),
		}}
	}
	if length == 0 {
		return Body{Kind: BodyNone}
	}

	if stdin == nil {
		return Body{Kind: BodyInvalid, Err: &Error{
			Code:    500,
			Message: "unable to read request body",
			Details: fmt.Sprintf("%d body bytes declared but no input stream", length),
		}}
	}
	raw := make([]byte, length)
	if _, err := io.ReadFull(stdin, raw); err != nil {
		return Body{Kind: BodyInvalid, Err: &Error{
			Code:    500,
			Message: "unable to read request body",
			Details: fmt.Sprintf("reading %d body bytes: %v", length, err),
		}}
	}

	contentType, ok := r.vars["CONTENT_TYPE"]
	if !ok {
		contentType = r.headers["content-type"]
	}
	return classifyBody(raw, contentType)
}

// Var returns the environment variable named k, which is upper-cased
// before the lookup.
func (r *Request) Var(k string) (string, bool) {
	v, ok := r.vars[strings.ToUpper(k)]
	return v, ok
}

// Vars returns a copy of every environment variable that was exposed
// to the program.
func (r *Request) Vars() map[string]string {
	return copyMap(r.vars)
}

// Header returns the request header named k. The name is converted to
// lower-cased kebab form before the lookup, matching how headers are
// stored.
func (r *Request) Header(k string) (string, bool) {
	v, ok := r.headers[headerName(k)]
	return v, ok
}

// Headers returns a copy of every request header exposed to the
// program.
func (r *Request) Headers() map[string]string {
	return copyMap(r.headers)
}

// Query returns the parsed query string outcome.
func (r *Request) Query() Query {
	return r.query
}

// Body returns the classified body outcome.
func (r *Request) Body() Body {
	return r.body
}

func headerName(k string) string {
	return strings.ToLower(strings.ReplaceAll(k, "_", "-"))
}

// lossyUTF8 replaces invalid byte sequences with U+FFFD. Header and
// variable values only ever get compared against known-good names
// downstream, so dropping information here is fine.
func lossyUTF8(s string) string {
	return strings.ToValidUTF8(s, string(utf8.RuneError))
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
