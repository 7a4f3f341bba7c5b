package cgi

import (
	"fmt"
	"mime"
	"strings"
)

// BodyKind tells how the request body resolved.
type BodyKind int

const (
	// BodyNone means no body: no Content-Length was declared, or it
	// was zero.
	BodyNone BodyKind = iota
	// BodyRaw means the body is an opaque byte sequence.
	BodyRaw
	// BodyMultipart means the body parsed as multipart/form-data.
	BodyMultipart
	// BodyInvalid means the declarations or the body itself were
	// malformed; Err says why.
	BodyInvalid
)

// Body is the outcome of classifying and parsing the request body.
type Body struct {
	Kind  BodyKind
	Bytes []byte // set when Kind == BodyRaw
	Parts []Part // set when Kind == BodyMultipart
	Err   *Error // set when Kind == BodyInvalid
}

// classifyBody decides the interpretation of already-buffered body
// bytes from the declared content type. The caller has honored
// Content-Length, so an empty buffer means an absent body.
func classifyBody(raw []byte, contentType string) Body {
	if len(raw) == 0 {
		return Body{Kind: BodyNone}
	}

	if contentType != "" {
		mediaType, params, err := mime.ParseMediaType(contentType)
		if err != nil {
			if declaresMultipart(contentType) {
				return Body{Kind: BodyInvalid, Err: &Error{
					Code:    400,
					Message: "multipart/form-data content type lacks a valid boundary",
					Details: fmt.Sprintf("unparseable content type %q: %v", contentType, err),
				}}
			}
			// An unparseable non-multipart content type still leaves
			// the body usable as opaque bytes.
			return Body{Kind: BodyRaw, Bytes: raw}
		}
		if mediaType == "multipart/form-data" {
			boundary := params["boundary"]
			if boundary == "" {
				return Body{Kind: BodyInvalid, Err: &Error{
					Code:    400,
					Message: "multipart/form-data content type lacks a valid boundary",
					Details: fmt.Sprintf("no boundary parameter in content type %q", contentType),
				}}
			}
			parts, derr := decodeMultipart(raw, boundary)
			if derr != nil {
				return Body{Kind: BodyInvalid, Err: derr}
			}
			return Body{Kind: BodyMultipart, Parts: parts}
		}
	}

	return Body{Kind: BodyRaw, Bytes: raw}
}

func declaresMultipart(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "multipart/form-data")
}
