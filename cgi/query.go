package cgi

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// QueryKind tells how the query string resolved.
type QueryKind int

const (
	// QueryNone means there was no query string (absent or empty).
	QueryNone QueryKind = iota
	// QueryForm means the query string parsed into name=value pairs.
	QueryForm
	// QueryInvalid means the query string could not be parsed; Raw
	// keeps the original value and Err says why.
	QueryInvalid
)

// Query is the outcome of parsing a query string.
type Query struct {
	Kind QueryKind
	Form map[string]string // set when Kind == QueryForm
	Raw  string            // original input, set when Kind == QueryInvalid
	Err  *Error            // set when Kind == QueryInvalid
}

// ParseQueryString decodes a URL-encoded query string into name=value
// pairs. The same grammar works for application/x-www-form-urlencoded
// request bodies. One bad pair fails the whole string: the result is
// QueryInvalid with the raw input retained, never a partial map. When
// a name repeats, the later occurrence wins.
func ParseQueryString(raw string) Query {
	if raw == "" {
		return Query{Kind: QueryNone}
	}

	form := make(map[string]string)
	for _, pair := range strings.Split(raw, "&") {
		codedName, codedValue, ok := strings.Cut(pair, "=")
		if !ok {
			return queryError(raw, fmt.Sprintf("chunk %q is not a name=value pair", pair))
		}
		name, err := urlDecode(codedName)
		if err != nil {
			return queryError(raw, fmt.Sprintf("decoding name in chunk %q: %s", pair, err))
		}
		value, err := urlDecode(codedValue)
		if err != nil {
			return queryError(raw, fmt.Sprintf("decoding value in chunk %q: %s", pair, err))
		}
		form[name] = value
	}

	return Query{Kind: QueryForm, Form: form}
}

func queryError(raw, details string) Query {
	return Query{
		Kind: QueryInvalid,
		Raw:  raw,
		Err:  &Error{Code: 400, Message: "invalid query string", Details: details},
	}
}

// urlDecode reverses %XX escapes and turns '+' into a space. The
// decoded bytes must form valid UTF-8.
func urlDecode(coded string) (string, error) {
	decoded := make([]byte, 0, len(coded))
	for i := 0; i < len(coded); {
		switch c := coded[i]; c {
		case '+':
			decoded = append(decoded, ' ')
			i++
		case '%':
			if i+3 > len(coded) {
				return "", fmt.Errorf("input ended during escape sequence at index %d", i)
			}
			hi, ok1 := unhex(coded[i+1])
			lo, ok2 := unhex(coded[i+2])
			if !ok1 || !ok2 {
				return "", fmt.Errorf("invalid escape %q at index %d", coded[i:i+3], i)
			}
			decoded = append(decoded, hi<<4|lo)
			i += 3
		default:
			decoded = append(decoded, c)
			i++
		}
	}
	if !utf8.Valid(decoded) {
		return "", fmt.Errorf("decoded value is not valid UTF-8")
	}
	return string(decoded), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
