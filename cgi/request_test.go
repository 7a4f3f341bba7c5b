package cgi

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func baseEnv() map[string]string {
	return map[string]string{
		"REQUEST_METHOD":  "GET",
		"SERVER_PROTOCOL": "HTTP/1.1",
		"REMOTE_ADDR":     "127.0.0.1",
	}
}

func TestFromEnvRequiresRequestMethod(t *testing.T) {
	_, err := FromEnv(map[string]string{"PATH": "/usr/bin"}, nil)
	if err == nil {
		t.Fatalf("expected construction to fail without REQUEST_METHOD")
	}
}

func TestFromEnvSplitsVarsAndHeaders(t *testing.T) {
	env := baseEnv()
	env["HTTP_USER_AGENT"] = "curl/8.0"
	env["HTTP_X_CUSTOM_THING"] = "yes"
	env["server_name"] = "localhost"

	r, err := FromEnv(env, nil)
	if err != nil {
		t.Fatalf("FromEnv error: %v", err)
	}

	if got, ok := r.Header("User-Agent"); !ok || got != "curl/8.0" {
		t.Fatalf("header lookup failed: %q, %v", got, ok)
	}
	// Underscores become hyphens and lookup is case-insensitive.
	if got, ok := r.Header("x_custom_thing"); !ok || got != "yes" {
		t.Fatalf("mangled header lookup failed: %q, %v", got, ok)
	}
	// Variable names are upper-cased on the way in and during lookup.
	if got, ok := r.Var("server_name"); !ok || got != "localhost" {
		t.Fatalf("var lookup failed: %q, %v", got, ok)
	}
	// Header-style entries must not leak into the variable store.
	if _, ok := r.Var("HTTP_USER_AGENT"); ok {
		t.Fatalf("HTTP_* entry leaked into vars")
	}

	wantHeaders := map[string]string{
		"user-agent":     "curl/8.0",
		"x-custom-thing": "yes",
	}
	if diff := cmp.Diff(wantHeaders, r.Headers()); diff != "" {
		t.Fatalf("headers mismatch (-want +got):\n%s", diff)
	}
}

func TestFromEnvLossyUTF8(t *testing.T) {
	env := baseEnv()
	env["HTTP_X_RAW"] = "ab\xffcd"

	r, err := FromEnv(env, nil)
	if err != nil {
		t.Fatalf("FromEnv error: %v", err)
	}

	got, _ := r.Header("x-raw")
	if got != "ab�cd" {
		t.Fatalf("expected replacement rune for invalid byte, got %q", got)
	}
}

func TestFromEnvQueryOutcomes(t *testing.T) {
	env := baseEnv()
	env["QUERY_STRING"] = "a=1&b=two+words"
	r, err := FromEnv(env, nil)
	if err != nil {
		t.Fatalf("FromEnv error: %v", err)
	}
	if r.Query().Kind != QueryForm {
		t.Fatalf("expected parsed query, got kind %d", r.Query().Kind)
	}
	if r.Query().Form["b"] != "two words" {
		t.Fatalf("unexpected decoded value: %q", r.Query().Form["b"])
	}

	// Absent QUERY_STRING is a first-class None, not an error.
	r2, err := FromEnv(baseEnv(), nil)
	if err != nil {
		t.Fatalf("FromEnv error: %v", err)
	}
	if r2.Query().Kind != QueryNone {
		t.Fatalf("expected QueryNone, got kind %d", r2.Query().Kind)
	}

	// A bad query string leaves the rest of the request usable and
	// keeps the raw value reachable through the variable store.
	env3 := baseEnv()
	env3["QUERY_STRING"] = "broken chunk"
	r3, err := FromEnv(env3, nil)
	if err != nil {
		t.Fatalf("FromEnv error: %v", err)
	}
	if r3.Query().Kind != QueryInvalid {
		t.Fatalf("expected QueryInvalid, got kind %d", r3.Query().Kind)
	}
	if raw, _ := r3.Var("QUERY_STRING"); raw != "broken chunk" {
		t.Fatalf("raw query string lost: %q", raw)
	}
}

func TestRequestBodyNone(t *testing.T) {
	// No Content-Length at all.
	r, err := FromEnv(baseEnv(), strings.NewReader("ignored"))
	if err != nil {
		t.Fatalf("FromEnv error: %v", err)
	}
	if r.Body().Kind != BodyNone {
		t.Fatalf("expected BodyNone, got kind %d", r.Body().Kind)
	}

	// Declared zero length.
	env := baseEnv()
	env["CONTENT_LENGTH"] = "0"
	r2, err := FromEnv(env, strings.NewReader(""))
	if err != nil {
		t.Fatalf("FromEnv error: %v", err)
	}
	if r2.Body().Kind != BodyNone {
		t.Fatalf("expected BodyNone for zero length, got kind %d", r2.Body().Kind)
	}
}

func TestRequestBodyRaw(t *testing.T) {
	payload := "some opaque bytes"
	env := baseEnv()
	env["REQUEST_METHOD"] = "POST"
	env["CONTENT_LENGTH"] = strconv.Itoa(len(payload))
	env["CONTENT_TYPE"] = "application/json"

	r, err := FromEnv(env, strings.NewReader(payload))
	if err != nil {
		t.Fatalf("FromEnv error: %v", err)
	}
	if r.Body().Kind != BodyRaw {
		t.Fatalf("expected BodyRaw, got kind %d (err: %v)", r.Body().Kind, r.Body().Err)
	}
	if string(r.Body().Bytes) != payload {
		t.Fatalf("raw body altered: %q", r.Body().Bytes)
	}
}

func TestRequestBodyMultipart(t *testing.T) {
	body := buildMultipart(t, "frontier", true,
		[2]string{`form-data; name="greeting"`, "hello"},
	)
	env := baseEnv()
	env["REQUEST_METHOD"] = "POST"
	env["CONTENT_LENGTH"] = strconv.Itoa(len(body))
	env["CONTENT_TYPE"] = `multipart/form-data; boundary=frontier`

	r, err := FromEnv(env, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("FromEnv error: %v", err)
	}
	b := r.Body()
	if b.Kind != BodyMultipart {
		t.Fatalf("expected BodyMultipart, got kind %d (err: %v)", b.Kind, b.Err)
	}
	if len(b.Parts) != 1 || b.Parts[0].Name != "greeting" || string(b.Parts[0].Data) != "hello" {
		t.Fatalf("unexpected parts: %+v", b.Parts)
	}
}

func TestRequestBodyHeaderFallbackDeclarations(t *testing.T) {
	// Some hosts expose the declarations as HTTP_CONTENT_* instead of
	// the CGI meta-variables; both must work.
	body := buildMultipart(t, "b", true, [2]string{`form-data; name="x"`, "1"})
	env := baseEnv()
	env["REQUEST_METHOD"] = "POST"
	env["HTTP_CONTENT_LENGTH"] = strconv.Itoa(len(body))
	env["HTTP_CONTENT_TYPE"] = `multipart/form-data; boundary=b`

	r, err := FromEnv(env, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("FromEnv error: %v", err)
	}
	if r.Body().Kind != BodyMultipart {
		t.Fatalf("expected BodyMultipart via header fallback, got kind %d (err: %v)",
			r.Body().Kind, r.Body().Err)
	}
}

func TestRequestBodyInvalidContentLength(t *testing.T) {
	for _, bad := range []string{"abc", "-5", "1x"} {
		env := baseEnv()
		env["CONTENT_LENGTH"] = bad

		r, err := FromEnv(env, strings.NewReader("xx"))
		if err != nil {
			t.Fatalf("FromEnv error: %v", err)
		}
		b := r.Body()
		if b.Kind != BodyInvalid || b.Err == nil || b.Err.Code != 400 {
			t.Fatalf("Content-Length %q: expected 400 body error, got kind %d err %v", bad, b.Kind, b.Err)
		}
		// The rest of the request stays usable.
		if _, ok := r.Var("REQUEST_METHOD"); !ok {
			t.Fatalf("request unusable after body error")
		}
	}
}

func TestRequestBodyShortRead(t *testing.T) {
	env := baseEnv()
	env["CONTENT_LENGTH"] = "100"

	r, err := FromEnv(env, strings.NewReader("only a few bytes"))
	if err != nil {
		t.Fatalf("FromEnv error: %v", err)
	}
	b := r.Body()
	if b.Kind != BodyInvalid || b.Err == nil || b.Err.Code != 500 {
		t.Fatalf("expected 500 I/O body error, got kind %d err %v", b.Kind, b.Err)
	}
}

func TestRequestBodyMultipartWithoutBoundaryIsError(t *testing.T) {
	env := baseEnv()
	env["REQUEST_METHOD"] = "POST"
	env["CONTENT_LENGTH"] = "4"
	env["CONTENT_TYPE"] = "multipart/form-data"

	r, err := FromEnv(env, strings.NewReader("body"))
	if err != nil {
		t.Fatalf("FromEnv error: %v", err)
	}
	b := r.Body()
	// Never silently downgraded to an opaque body.
	if b.Kind != BodyInvalid || b.Err == nil {
		t.Fatalf("expected BodyInvalid for missing boundary, got kind %d", b.Kind)
	}
}

func TestRequestBodyIdempotentAccess(t *testing.T) {
	env := baseEnv()
	env["CONTENT_LENGTH"] = "2"
	env["CONTENT_TYPE"] = "text/plain"

	r, err := FromEnv(env, strings.NewReader("hi"))
	if err != nil {
		t.Fatalf("FromEnv error: %v", err)
	}
	first := r.Body()
	second := r.Body()
	if first.Kind != second.Kind || !bytes.Equal(first.Bytes, second.Bytes) {
		t.Fatalf("repeated Body() access differs")
	}
}
