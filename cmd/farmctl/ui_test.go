package main

import "testing"

func TestFormatMicros(t *testing.T) {
	tests := map[int64]string{
		0:                 "0.000000",
		1_736_111:         "1.736111",
		-17_361:           "-0.017361",
		1_234_567_000_001: "1,234,567.000001",
		999_000_000:       "999.000000",
	}
	for in, want := range tests {
		if got := formatMicros(in); got != want {
			t.Fatalf("formatMicros(%d) got=%q want=%q", in, got, want)
		}
	}
	if got := signedMicros(5_000_000); got != "+5.000000" {
		t.Fatalf("signedMicros got=%q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("  deposit:primary:abcdef  ", 10); got != "deposit..." {
		t.Fatalf("truncate got=%q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate got=%q", got)
	}
}

func TestParseUserID(t *testing.T) {
	if id, err := parseUserID(" 42 "); err != nil || id != 42 {
		t.Fatalf("parseUserID got=%d err=%v", id, err)
	}
	for _, bad := range []string{"", "0", "-3", "abc"} {
		if _, err := parseUserID(bad); err == nil {
			t.Fatalf("parseUserID(%q) expected error", bad)
		}
	}
}
