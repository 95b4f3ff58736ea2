package passphrase

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestSourceUsesEnvironment(t *testing.T) {
	t.Setenv("BTCFI_TEST_PASS", "hunter2")
	src := NewSource("BTCFI_TEST_PASS")
	got, err := src.Get()
	if err != nil || got != "hunter2" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
	os.Setenv("BTCFI_TEST_PASS", "changed")
	if again, _ := src.Get(); again != "hunter2" {
		t.Fatalf("passphrase not cached: %q", again)
	}
}

func TestSourceRejectsBlank(t *testing.T) {
	t.Setenv("BTCFI_TEST_PASS", "   ")
	if _, err := NewSource("BTCFI_TEST_PASS").Get(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestSourceWithoutTerminal(t *testing.T) {
	src := &Source{envVar: "BTCFI_TEST_PASS_UNSET", fd: -1}
	_, err := src.Get()
	if err == nil || !strings.Contains(err.Error(), "BTCFI_TEST_PASS_UNSET") {
		t.Fatalf("expected hint naming the variable, got %v", err)
	}
}
