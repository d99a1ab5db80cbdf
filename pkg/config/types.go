package config

import (
	"fmt"
	"strings"
)

// ValidationError is one problem found while parsing or validating.
type ValidationError struct {
	// File is the source file, if known.
	File string `json:"file,omitempty"`

	// Line is the 1-based line number, if known.
	Line int `json:"line,omitempty"`

	// Column is the 1-based column number, if known.
	Column int `json:"column,omitempty"`

	// Path is the field path within the document.
	Path string `json:"path,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`
}

// String formats the error with its position.
func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in one document.
type ValidationErrors []ValidationError

// Error implements error.
func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.String()
	}
	return strings.Join(msgs, "; ")
}
