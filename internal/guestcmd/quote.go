// Package guestcmd builds safely-quoted guest shell invocations and
// parses their output. It is the one place raw path strings are allowed
// to become shell text; nothing upstream composes guest commands by
// hand.
//
// The guest shell is invoked with a single -Command payload: outer
// double quotes around the whole script, single quotes around every
// embedded path, and single quotes inside a path doubled (the guest
// shell's own escape convention). Nested double-quote escaping is
// deliberately never produced — that was the historical bug this layer
// exists to make structurally impossible.
package guestcmd

import (
	"fmt"
	"strings"
)

// PromptMarker is the line prefix the guest shell emits for its own
// prompt when a session transcript is captured; such lines are not data.
const PromptMarker = "PS "

// controlTokens are shell metacharacters that, if present in a captured
// output line, mark it as shell furniture rather than data.
const controlTokens = "|{}"

// QuotePath wraps a path in single quotes, doubling any single quote
// that appears inside it.
func QuotePath(path string) string {
	escaped := strings.ReplaceAll(path, "'", "''")
	return "'" + escaped + "'"
}

// WrapScript produces the full -Command payload: the script body inside
// a single pair of outer double quotes. body must never itself contain
// a double quote; callers build body exclusively from QuotePath and
// literal cmdlet text.
func WrapScript(body string) string {
	return `"` + body + `"`
}

// PathExistsScript returns the golden command for testing guest path
// existence.
func PathExistsScript(path string) string {
	return WrapScript(fmt.Sprintf("Test-Path %s", QuotePath(path)))
}

// DeletePathScript returns the golden command for removing a guest path.
func DeletePathScript(path string) string {
	return WrapScript(fmt.Sprintf("Remove-Item -Force -ErrorAction SilentlyContinue %s", QuotePath(path)))
}

// ListFilesScript returns the golden command for listing a guest
// directory's entries.
func ListFilesScript(dir string, recursive bool) string {
	recurse := ""
	if recursive {
		recurse = " -Recurse"
	}
	return WrapScript(fmt.Sprintf("Get-ChildItem%s -Name %s", recurse, QuotePath(dir)))
}

// ReadTextScript returns the golden command for reading a guest text
// file's full content, one output line per line of the file.
func ReadTextScript(path string) string {
	return WrapScript(fmt.Sprintf("Get-Content -ErrorAction Stop %s", QuotePath(path)))
}

// RunExecutableScript returns the golden command for launching an
// executable already present on the guest with the given argv.
func RunExecutableScript(path string, argv []string) string {
	parts := make([]string, 0, len(argv)+1)
	parts = append(parts, QuotePath(path))
	for _, a := range argv {
		parts = append(parts, QuotePath(a))
	}
	return WrapScript("& " + strings.Join(parts, " "))
}

// cmdletOf returns the leading cmdlet token of a script body, used to
// recognize command-echo lines in captured output.
func cmdletOf(scriptBody string) string {
	fields := strings.Fields(scriptBody)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
