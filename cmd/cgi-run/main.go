// cgi-run executes a CGI program under a fabricated environment, so
// scripts can be exercised from a shell without a gateway in front.
// Request headers, meta-variables, query strings and multipart bodies
// are all assembled from flags; the program's raw output goes to
// stdout untouched.
package main

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type runOptions struct {
	method      string
	query       string
	vars        []string
	headers     []string
	fields      []string
	files       []string
	boundary    string
	data        string
	contentType string
}

func main() {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "cgi-run [flags] program [args...]",
		Short: "run a CGI program with a fabricated request environment",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.method, "method", "X", "GET", "REQUEST_METHOD value")
	f.StringVarP(&opts.query, "query", "q", "", "QUERY_STRING value")
	f.StringArrayVar(&opts.vars, "var", nil, "extra meta-variable, K=V (repeatable)")
	f.StringArrayVarP(&opts.headers, "header", "H", nil, "request header, Name=Value (repeatable)")
	f.StringArrayVarP(&opts.fields, "field", "F", nil, "multipart form field, name=value (repeatable)")
	f.StringArrayVar(&opts.files, "file", nil, "multipart file field, name=path (repeatable)")
	f.StringVar(&opts.boundary, "boundary", "", "multipart boundary (random when empty)")
	f.StringVarP(&opts.data, "data", "d", "", "raw request body")
	f.StringVar(&opts.contentType, "content-type", "", "CONTENT_TYPE for a raw body")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts *runOptions, args []string) error {
	body, contentType, err := buildBody(opts)
	if err != nil {
		return err
	}

	env, err := buildEnv(opts, len(body), contentType)
	if err != nil {
		return err
	}

	child := exec.Command(args[0], args[1:]...)
	child.Env = append(os.Environ(), env...)
	if len(body) > 0 {
		child.Stdin = bytes.NewReader(body)
	}
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr

	return child.Run()
}

// buildBody assembles the request body: multipart when any --field or
// --file was given, otherwise the raw --data string.
func buildBody(opts *runOptions) ([]byte, string, error) {
	if len(opts.fields) == 0 && len(opts.files) == 0 {
		if opts.data == "" {
			return nil, "", nil
		}
		ct := opts.contentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		return []byte(opts.data), ct, nil
	}

	if opts.data != "" {
		return nil, "", fmt.Errorf("--data cannot be combined with --field/--file")
	}

	boundary := opts.boundary
	if boundary == "" {
		boundary = "cgi-run-" + uuid.New().String()
	}

	var buf bytes.Buffer
	for _, field := range opts.fields {
		name, value, ok := strings.Cut(field, "=")
		if !ok {
			return nil, "", fmt.Errorf("malformed --field %q, want name=value", field)
		}
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		fmt.Fprintf(&buf, "Content-Disposition: form-data; name=%q\r\n\r\n", name)
		buf.WriteString(value)
		buf.WriteString("\r\n")
	}

	for _, file := range opts.files {
		name, path, ok := strings.Cut(file, "=")
		if !ok {
			return nil, "", fmt.Errorf("malformed --file %q, want name=path", file)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("reading --file %q: %w", path, err)
		}
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		fmt.Fprintf(&buf, "Content-Disposition: form-data; name=%q; filename=%q\r\n\r\n", name, path)
		buf.Write(data)
		buf.WriteString("\r\n")
	}

	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.Bytes(), "multipart/form-data; boundary=" + boundary, nil
}

// buildEnv fabricates the CGI meta-variables and HTTP_* entries the
// child will see.
func buildEnv(opts *runOptions, contentLength int, contentType string) ([]string, error) {
	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_PROTOCOL=HTTP/1.1",
		"SERVER_SOFTWARE=cgi-run/0.1",
		"REQUEST_METHOD=" + opts.method,
	}
	if opts.query != "" {
		env = append(env, "QUERY_STRING="+opts.query)
	}
	if contentLength > 0 {
		env = append(env, "CONTENT_LENGTH="+strconv.Itoa(contentLength))
		env = append(env, "CONTENT_TYPE="+contentType)
	}

	for _, v := range opts.vars {
		k, val, ok := strings.Cut(v, "=")
		if !ok {
			return nil, fmt.Errorf("malformed --var %q, want K=V", v)
		}
		env = append(env, strings.ToUpper(k)+"="+val)
	}

	for _, h := range opts.headers {
		name, val, ok := strings.Cut(h, "=")
		if !ok {
			return nil, fmt.Errorf("malformed --header %q, want Name=Value", h)
		}
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		env = append(env, key+"="+val)
	}

	return env, nil
}
