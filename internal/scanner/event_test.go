package scanner

import (
	"strings"
	"testing"
	"time"
)

func TestNewEvent_UsesUTC(t *testing.T) {
	before := time.Now().UTC()
	ev := NewEvent("hello", SeverityInformation)

	if ev.Time.Location() != time.UTC {
		t.Errorf("event time location = %v, want UTC", ev.Time.Location())
	}
	if ev.Time.Before(before) {
		t.Errorf("event time %v before creation %v", ev.Time, before)
	}
	if !strings.Contains(ev.String(), "[Information] hello") {
		t.Errorf("String() = %q", ev.String())
	}
}

func TestIsBlank(t *testing.T) {
	for _, s := range []string{"", " ", "\t", "\r\n", "  \n "} {
		if !IsBlank(s) {
			t.Errorf("IsBlank(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"x", " x ", "0"} {
		if IsBlank(s) {
			t.Errorf("IsBlank(%q) = true, want false", s)
		}
	}
}

func TestDescribeExitCode(t *testing.T) {
	tests := map[int]string{
		ExitTransportFault: "control channel faulted or closed",
		ExitParentGone:     "parent process exited",
		ExitWatchdog:       "watchdog expired",
		0:                  "exited normally",
		77:                 "unexpected exit code 77",
	}
	for code, want := range tests {
		if got := DescribeExitCode(code); got != want {
			t.Errorf("DescribeExitCode(%d) = %q, want %q", code, got, want)
		}
	}
}
