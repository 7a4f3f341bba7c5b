package cgi

import "fmt"

// Error describes a failure in one of the parsing subsystems. Code is
// the HTTP status a caller would most likely answer with: 400 for
// malformed input, 500 for I/O failures.
type Error struct {
	Code    int
	Message string
	Details string
}

func (e *Error) Error() string {
	if e.Details == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Details)
}
