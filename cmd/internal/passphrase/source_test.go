package passphrase

import (
	"strings"
	"testing"
)

func TestSourceReadsEnvironmentOnce(t *testing.T) {
	t.Setenv("VEST_TEST_SECRET", "hunter2")
	src := NewSource("VEST_TEST_SECRET", "RPC signing secret")
	got, err := src.Get()
	if err != nil || got != "hunter2" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
	t.Setenv("VEST_TEST_SECRET", "changed")
	if again, _ := src.Get(); again != "hunter2" {
		t.Fatalf("expected cached value, got %q", again)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("VEST_TEST_SECRET", "   ")
	_, err := NewSource("VEST_TEST_SECRET", "").Get()
	if err == nil || !strings.Contains(err.Error(), "set but empty") {
		t.Fatalf("expected empty error, got %v", err)
	}
}
