package guestcmd

import "strings"

// filterLines applies the echo-filter common to every guest command's
// captured stdout: discard empty lines, discard prompt lines, discard
// lines that are the command echoing its own invoked cmdlet name.
//
// cmdletName is the cmdlet this output came from (see cmdletOf), used
// to recognize echo of the invocation itself.
func filterLines(stdout, cmdletName string) []string {
	var out []string
	for _, raw := range strings.Split(stdout, "\n") {
		line := strings.TrimRight(raw, "\r")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, PromptMarker) {
			continue
		}
		if cmdletName != "" && strings.HasPrefix(strings.TrimSpace(line), cmdletName) {
			continue
		}
		out = append(out, line)
	}
	return out
}

// FilterOutputLines applies filterLines and additionally discards lines
// containing a shell control token. This is only valid for output that
// is itself a filename listing (§4.2's control-token rule): a filename
// containing a shell metacharacter is indistinguishable from shell
// furniture, so it is dropped rather than risk misquoting it later.
// Arbitrary file content (Get-Content) is not filename output and must
// not go through this filter — see ParseTextLines.
func FilterOutputLines(stdout, cmdletName string) []string {
	var out []string
	for _, line := range filterLines(stdout, cmdletName) {
		if strings.ContainsAny(line, controlTokens) {
			continue
		}
		out = append(out, line)
	}
	return out
}

// FilterScriptOutput is FilterOutputLines with the cmdlet name derived
// from the script body that produced the output.
func FilterScriptOutput(stdout, scriptBody string) []string {
	return FilterOutputLines(stdout, cmdletOf(scriptBody))
}

// ParseBool interprets the echo-filtered output of a boolean-returning
// predicate command (e.g. Test-Path): presence of the literal True/true
// is true, its absence is false.
func ParseBool(stdout string) bool {
	for _, line := range FilterOutputLines(stdout, "Test-Path") {
		trimmed := strings.ToLower(strings.TrimSpace(line))
		if trimmed == "true" {
			return true
		}
	}
	return false
}

// ParseFileNames interprets the echo-filtered output of a directory
// listing command as a flat list of names.
func ParseFileNames(stdout string) []string {
	return FilterOutputLines(stdout, "Get-ChildItem")
}

// ParseTextLines interprets the echo-filtered output of a Get-Content
// invocation as the file's lines, in order. Unlike ParseFileNames, this
// does not strip lines containing shell control tokens: file content is
// data, not a filename, and collector records are routinely pipe-
// delimited (internal/collector).
func ParseTextLines(stdout string) []string {
	return filterLines(stdout, "Get-Content")
}
