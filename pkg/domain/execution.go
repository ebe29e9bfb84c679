package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type Outcome string

const (
	Completed Outcome = "completed"
	TimedOut  Outcome = "timedOut"
	Faulted   Outcome = "faulted"
)

// ExecutionResult is never persisted. ExitCode is set only for Completed.
type ExecutionResult struct {
	ExitCode        *int    `json:"exitCode,omitempty"`
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	Outcome         Outcome `json:"outcome"`
	FaultReason     string  `json:"faultReason,omitempty"`
	DurationMs      int64   `json:"durationMs"`
	StdoutTruncated bool    `json:"stdoutTruncated"`
	StderrTruncated bool    `json:"stderrTruncated"`
	StdoutBase64    string  `json:"stdoutBase64,omitempty"`
	StderrBase64    string  `json:"stderrBase64,omitempty"`
}

// SetOutput records the captured streams. JSON encoding replaces bytes
// that are not valid UTF-8, so such a stream is also kept base64 encoded
// with its exact bytes.
func (r *ExecutionResult) SetOutput(stdout, stderr []byte) {
	r.Stdout, r.StdoutBase64 = textAndRaw(stdout)
	r.Stderr, r.StderrBase64 = textAndRaw(stderr)
}

func textAndRaw(b []byte) (string, string) {
	if utf8.Valid(b) {
		return string(b), ""
	}
	return string(b), base64.StdEncoding.EncodeToString(b)
}

// Narrative renders a plain text report of a run.
func (r *ExecutionResult) Narrative(name, id string, deadline time.Duration, at time.Time) string {
	var b strings.Builder
	b.WriteString("=== Code Execution Result ===\n")
	fmt.Fprintf(&b, "File: %s\n", name)
	fmt.Fprintf(&b, "ID: %s\n", id)
	fmt.Fprintf(&b, "Time: %s\n", at.UTC().Format("2006-01-02 15:04:05"))
	switch r.Outcome {
	case TimedOut:
		fmt.Fprintf(&b, "Status: Execution timed out (%d seconds)\n", int(deadline.Seconds()))
	case Faulted:
		fmt.Fprintf(&b, "Status: Execution failed: %s\n", r.FaultReason)
	default:
		code := 0
		if r.ExitCode != nil {
			code = *r.ExitCode
		}
		fmt.Fprintf(&b, "Status: Completed\nExit Code: %d\n", code)
	}
	b.WriteString("\nSTDOUT:\n")
	b.WriteString(r.Stdout)
	if r.StdoutTruncated {
		b.WriteString("\n[output truncated]")
	}
	if r.Stderr != "" {
		b.WriteString("\n\nSTDERR:\n")
		b.WriteString(r.Stderr)
		if r.StderrTruncated {
			b.WriteString("\n[output truncated]")
		}
	}
	b.WriteString("\n")
	return b.String()
}
