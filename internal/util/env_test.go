package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"OFF", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("TASKPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("TASKPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("TASKPIPE_TEST_TIMEOUT", "45s")
	if got := ParseDurationEnv("TASKPIPE_TEST_TIMEOUT", time.Second); got != 45*time.Second {
		t.Errorf("ParseDurationEnv = %v, want 45s", got)
	}
	t.Setenv("TASKPIPE_TEST_TIMEOUT", "-5s")
	if got := ParseDurationEnv("TASKPIPE_TEST_TIMEOUT", time.Second); got != time.Second {
		t.Errorf("ParseDurationEnv with negative value = %v, want default", got)
	}
}

func TestStringEnv(t *testing.T) {
	t.Setenv("TASKPIPE_TEST_STR", "  ")
	if got := StringEnv("TASKPIPE_TEST_STR", "fallback"); got != "fallback" {
		t.Errorf("StringEnv = %q, want fallback", got)
	}
}
