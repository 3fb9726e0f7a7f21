// File: internal/isolate/stackframe.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Minimal V8 stack-trace line parsing/formatting for sourcemap.go. V8
// renders frames as "    at name (file:line:col)" or "    at file:line:col";
// this only needs to round-trip the (file, line, col) triple, not build a
// general stack-trace parser, so it stays a few regexes rather than a
// dependency.

package isolate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var stackFrameRe = regexp.MustCompile(`^(\s*at\s+(?:[^(]+\()?)([^()\s]+):(\d+):(\d+)(\)?)$`)

func splitStackFrames(stack string) []string {
	return strings.Split(stack, "\n")
}

func joinStackFrames(frames []string) string {
	return strings.Join(frames, "\n")
}

func parseStackFrame(line string) (file string, lineNo, col int, ok bool) {
	m := stackFrameRe.FindStringSubmatch(line)
	if m == nil {
		return "", 0, 0, false
	}
	lineNo, errL := strconv.Atoi(m[3])
	col, errC := strconv.Atoi(m[4])
	if errL != nil || errC != nil {
		return "", 0, 0, false
	}
	return m[2], lineNo, col, true
}

func formatStackFrame(file string, line, col int) string {
	return fmt.Sprintf("    at %s:%d:%d", file, line, col)
}
