package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPrintTail(t *testing.T) {
	writeLog := func(t *testing.T, content string) *os.File {
		t.Helper()
		path := filepath.Join(t.TempDir(), "companion.log")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		f, err := os.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { f.Close() })
		return f
	}

	t.Run("returns last n lines", func(t *testing.T) {
		f := writeLog(t, "one\ntwo\nthree\nfour\n")
		var sb strings.Builder
		if err := printTail(&sb, f, 2); err != nil {
			t.Fatalf("printTail failed: %v", err)
		}
		if sb.String() != "three\nfour\n" {
			t.Errorf("expected last two lines, got %q", sb.String())
		}
	})

	t.Run("returns everything when n exceeds line count", func(t *testing.T) {
		f := writeLog(t, "one\ntwo\n")
		var sb strings.Builder
		if err := printTail(&sb, f, 20); err != nil {
			t.Fatalf("printTail failed: %v", err)
		}
		if sb.String() != "one\ntwo\n" {
			t.Errorf("expected all lines, got %q", sb.String())
		}
	})

	t.Run("empty file prints nothing", func(t *testing.T) {
		f := writeLog(t, "")
		var sb strings.Builder
		if err := printTail(&sb, f, 20); err != nil {
			t.Fatalf("printTail failed: %v", err)
		}
		if sb.String() != "" {
			t.Errorf("expected no output, got %q", sb.String())
		}
	})

	t.Run("leaves offset at EOF for follow mode", func(t *testing.T) {
		f := writeLog(t, "one\ntwo\n")
		var sb strings.Builder
		if err := printTail(&sb, f, 1); err != nil {
			t.Fatalf("printTail failed: %v", err)
		}

		// Appended data must be readable from the current offset
		if err := os.WriteFile(f.Name(), []byte("one\ntwo\nthree\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 64)
		n, _ := f.Read(buf)
		if got := string(buf[:n]); got != "three\n" {
			t.Errorf("expected only appended data from offset, got %q", got)
		}
	})
}
