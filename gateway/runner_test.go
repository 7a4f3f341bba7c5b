package gateway

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// writeScript drops an executable shell script into a temp dir and
// returns its path. Runner tests exec real processes, mirroring how
// the gateway runs CGI programs in production.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixtures need a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), "script.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRunnerInvokeEchoScript(t *testing.T) {
	script := writeScript(t, `
printf 'Status: 201\r\n'
printf 'X-Echo-Method: %s\r\n' "$REQUEST_METHOD"
printf 'X-Echo-Query: %s\r\n' "$QUERY_STRING"
printf 'Content-Type: text/plain\r\n'
printf '\r\n'
cat
`)

	r := &Runner{
		Script:     script,
		ScriptName: "/app",
		ServerPort: 8080,
		Timeout:    5 * time.Second,
	}

	req := httptest.NewRequest("POST", "http://example.test/app/echo?q=1", strings.NewReader("hello body"))
	resp, err := r.Invoke(req, "req-1")
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}

	if resp.Status != 201 {
		t.Fatalf("expected status 201, got %d", resp.Status)
	}
	if got := resp.Headers.Get("X-Echo-Method"); got != "POST" {
		t.Fatalf("REQUEST_METHOD not passed: %q", got)
	}
	if got := resp.Headers.Get("X-Echo-Query"); got != "q=1" {
		t.Fatalf("QUERY_STRING not passed: %q", got)
	}
	if string(resp.Body) != "hello body" {
		t.Fatalf("stdin body not forwarded: %q", resp.Body)
	}

	stats := r.Stats()
	if stats.Invocations != 1 || stats.Failures != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRunnerInvokeTimeout(t *testing.T) {
	script := writeScript(t, "sleep 5\n")

	r := &Runner{
		Script:  script,
		Timeout: 50 * time.Millisecond,
	}

	req := httptest.NewRequest("GET", "http://example.test/slow", nil)
	if _, err := r.Invoke(req, "req-2"); err == nil {
		t.Fatalf("expected timeout error")
	}
	if r.Stats().Failures != 1 {
		t.Fatalf("timeout must count as a failure")
	}
}

func TestRunnerInvokeScriptFailure(t *testing.T) {
	script := writeScript(t, "echo boom >&2\nexit 3\n")

	r := &Runner{Script: script}

	req := httptest.NewRequest("GET", "http://example.test/", nil)
	_, err := r.Invoke(req, "")
	if err == nil {
		t.Fatalf("expected failure for nonzero exit")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("stderr should surface in the error: %v", err)
	}
}

func TestBuildEnvMetaVariables(t *testing.T) {
	r := &Runner{
		Script:     "/bin/true",
		ScriptName: "/app",
		ServerPort: 9000,
	}

	req := httptest.NewRequest("POST", "http://host.test/app/sub/page?x=1", strings.NewReader("1234"))
	req.Header.Set("User-Agent", "tester")
	req.Header.Set("Content-Type", "text/plain")

	env := r.buildEnv(req, "abc-123")

	want := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"REQUEST_METHOD=POST",
		"SCRIPT_NAME=/app",
		"PATH_INFO=/sub/page",
		"QUERY_STRING=x=1",
		"SERVER_PORT=9000",
		"CONTENT_LENGTH=4",
		"CONTENT_TYPE=text/plain",
		"HTTP_USER_AGENT=tester",
		"HTTP_X_REQUEST_ID=abc-123",
	}
	for _, entry := range want {
		if !containsString(env, entry) {
			t.Fatalf("env missing %q:\n%v", entry, env)
		}
	}
}

func TestBuildEnvKeepsClientRequestID(t *testing.T) {
	r := &Runner{Script: "/bin/true"}

	req := httptest.NewRequest("GET", "http://host.test/", nil)
	req.Header.Set("X-Request-Id", "client-id")

	env := r.buildEnv(req, "generated-id")
	if !containsString(env, "HTTP_X_REQUEST_ID=client-id") {
		t.Fatalf("client-provided request id lost:\n%v", env)
	}
	if containsString(env, "HTTP_X_REQUEST_ID=generated-id") {
		t.Fatalf("generated id must not override the client's")
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
