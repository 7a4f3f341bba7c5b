// cgi-inspect is a CGI program that reports everything it was handed:
// environment variables, request headers, the parsed query string and
// the classified body. Point a gateway route at it to see exactly what
// a script at that route would receive.
package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"go-cgi/cgi"
)

func main() {
	req, err := cgi.New()
	if err != nil {
		fail(os.Stdout, err)
		return
	}

	resp := cgi.NewResponse(200).WithContentType("text/plain; charset=utf-8")
	report(resp, req)
	if err := resp.Respond(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "cgi-inspect: %v\n", err)
		os.Exit(1)
	}
}

// fail emits a minimal 500 so the gateway still gets a well-formed
// response when the environment is unusable.
func fail(w io.Writer, err error) {
	resp := cgi.NewResponse(500).WithContentType("text/plain; charset=utf-8")
	fmt.Fprintf(resp, "error building request: %v\n", err)
	_ = resp.Respond(w)
}

func report(w io.Writer, req *cgi.Request) {
	fmt.Fprintln(w, "=== environment variables ===")
	writeSortedMap(w, req.Vars())

	fmt.Fprintln(w, "\n=== request headers ===")
	writeSortedMap(w, req.Headers())

	fmt.Fprintln(w, "\n=== query string ===")
	q := req.Query()
	switch q.Kind {
	case cgi.QueryNone:
		fmt.Fprintln(w, "(none)")
	case cgi.QueryForm:
		writeSortedMap(w, q.Form)
	case cgi.QueryInvalid:
		fmt.Fprintf(w, "invalid: %v\n", q.Err)
		fmt.Fprintf(w, "raw: %q\n", q.Raw)
	}

	fmt.Fprintln(w, "\n=== body ===")
	b := req.Body()
	switch b.Kind {
	case cgi.BodyNone:
		fmt.Fprintln(w, "(none)")
	case cgi.BodyRaw:
		fmt.Fprintf(w, "raw, %d bytes: %s\n", len(b.Bytes), preview(b.Bytes))
	case cgi.BodyMultipart:
		fmt.Fprintf(w, "multipart, %d part(s)\n", len(b.Parts))
		for i, p := range b.Parts {
			fmt.Fprintf(w, "\n--- part %d ---\n", i)
			fmt.Fprintf(w, "name: %q\n", p.Name)
			if p.Filename != "" {
				fmt.Fprintf(w, "filename: %q\n", p.Filename)
			}
			writeSortedMap(w, p.Headers)
			fmt.Fprintf(w, "data, %d bytes: %s\n", len(p.Data), preview(p.Data))
		}
	case cgi.BodyInvalid:
		fmt.Fprintf(w, "invalid: %v\n", b.Err)
	}
}

func writeSortedMap(w io.Writer, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %q\n", k, m[k])
	}
}

// preview clips long payloads to their first and last bytes so binary
// uploads don't flood the report.
func preview(data []byte) string {
	const edge = 24
	if len(data) <= 2*edge {
		return fmt.Sprintf("%q", data)
	}
	return fmt.Sprintf("->|%q ... %q|<-", data[:edge], data[len(data)-edge:])
}
