package guestcmd

import (
	"reflect"
	"testing"
)

func TestParseBoolTrue(t *testing.T) {
	stdout := "PS C:\\> Test-Path 'C:\\foo'\r\nTrue\r\n"
	if !ParseBool(stdout) {
		t.Error("expected true")
	}
}

func TestParseBoolFalseWhenAbsent(t *testing.T) {
	stdout := "PS C:\\> Test-Path 'C:\\foo'\r\nFalse\r\n"
	if ParseBool(stdout) {
		t.Error("expected false")
	}
}

func TestParseTextLinesDropsEchoAndPrompt(t *testing.T) {
	stdout := "Get-Content 'C:\\log.txt'\r\n" +
		"PS C:\\> \r\n" +
		"2026-07-31T10:00:00+00:00|THREAT|eicar\r\n" +
		"2026-07-31T10:00:05+00:00|THREAT|other\r\n"
	got := ParseTextLines(stdout)
	want := []string{
		"2026-07-31T10:00:00+00:00|THREAT|eicar",
		"2026-07-31T10:00:05+00:00|THREAT|other",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseFileNamesDropsEchoPromptAndControlTokens(t *testing.T) {
	stdout := "Get-ChildItem -Name 'C:\\dir'\r\n" +
		"PS C:\\dir> \r\n" +
		"\r\n" +
		"a.txt\r\n" +
		"weird|name.txt\r\n" +
		"b.txt\r\n"
	got := ParseFileNames(stdout)
	want := []string{"a.txt", "b.txt"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
