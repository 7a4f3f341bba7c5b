package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const serverSoftware = "cgi-gateway/0.1"

// Runner executes a CGI program once per request: the request metadata
// travels as environment variables, the body goes to the child's
// stdin, and the child's stdout comes back as a parsed CGI response.
type Runner struct {
	Script     string        // path of the CGI executable
	Args       []string      // extra arguments for the child
	Dir        string        // working directory for the child
	ScriptName string        // route prefix, reported as SCRIPT_NAME
	ServerName string        // reported as SERVER_NAME when the request has no Host
	ServerPort int           // reported as SERVER_PORT
	Timeout    time.Duration // per-invocation wall clock limit; 0 disables
	BaseEnv    []string      // extra K=V entries prepended to the child env
	Limiter    *Limiter      // optional cap on concurrent children

	invocations uint64
	failures    uint64
}

// RunnerStats is a point-in-time snapshot of a runner's counters.
type RunnerStats struct {
	Invocations uint64 `json:"invocations"`
	Failures    uint64 `json:"failures"`
	InFlight    int    `json:"in_flight"`
}

// Invoke spawns the CGI program for one request and parses its output.
func (r *Runner) Invoke(req *http.Request, requestID string) (*ScriptResponse, error) {
	if r.Limiter != nil {
		r.Limiter.Acquire()
		defer r.Limiter.Release()
	}
	atomic.AddUint64(&r.invocations, 1)

	ctx := req.Context()
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Script, r.Args...)
	cmd.Dir = r.Dir
	cmd.Env = r.buildEnv(req, requestID)
	if req.Body != nil && req.ContentLength > 0 {
		cmd.Stdin = req.Body
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		atomic.AddUint64(&r.failures, 1)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("cgi program timeout after %s", r.Timeout)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("cgi program failed: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("cgi program failed: %w", err)
	}

	resp, err := ParseOutput(stdout.Bytes())
	if err != nil {
		atomic.AddUint64(&r.failures, 1)
		return nil, err
	}
	return resp, nil
}

// buildEnv assembles the CGI/1.1 meta-variables plus HTTP_* entries for
// every request header.
func (r *Runner) buildEnv(req *http.Request, requestID string) []string {
	env := make([]string, 0, len(r.BaseEnv)+len(req.Header)+16)
	env = append(env, r.BaseEnv...)

	pathInfo := req.URL.Path
	if r.ScriptName != "" {
		pathInfo = strings.TrimPrefix(pathInfo, strings.TrimSuffix(r.ScriptName, "/"))
	}

	remoteIP := req.RemoteAddr
	if ip, _, err := net.SplitHostPort(req.RemoteAddr); err == nil && ip != "" {
		remoteIP = ip
	}

	serverName := req.Host
	if serverName == "" {
		serverName = r.ServerName
	}

	env = append(env,
		"GATEWAY_INTERFACE=CGI/1.1",
		"REQUEST_METHOD="+req.Method,
		"SCRIPT_NAME="+r.ScriptName,
		"PATH_INFO="+pathInfo,
		"QUERY_STRING="+req.URL.RawQuery,
		"REMOTE_ADDR="+remoteIP,
		"SERVER_NAME="+serverName,
		"SERVER_PORT="+strconv.Itoa(r.ServerPort),
		"SERVER_PROTOCOL="+req.Proto,
		"SERVER_SOFTWARE="+serverSoftware,
	)

	if req.ContentLength > 0 {
		env = append(env, "CONTENT_LENGTH="+strconv.FormatInt(req.ContentLength, 10))
		if ct := req.Header.Get("Content-Type"); ct != "" {
			env = append(env, "CONTENT_TYPE="+ct)
		}
	}

	for name, values := range req.Header {
		k := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		env = append(env, k+"="+strings.Join(values, ", "))
	}
	if requestID != "" && req.Header.Get("X-Request-Id") == "" {
		env = append(env, "HTTP_X_REQUEST_ID="+requestID)
	}

	return env
}

// Stats returns the runner's counters.
func (r *Runner) Stats() RunnerStats {
	s := RunnerStats{
		Invocations: atomic.LoadUint64(&r.invocations),
		Failures:    atomic.LoadUint64(&r.failures),
	}
	if r.Limiter != nil {
		s.InFlight = r.Limiter.InUse()
	}
	return s
}
