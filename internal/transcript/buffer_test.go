package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestBuffer_AppendDedupAndMonotonicBytes(t *testing.T) {
	t.Parallel()

	b := Open(t.TempDir(), os.Getpid())

	batchA := makeMessages(3)
	n, err := b.Append(batchA)
	if err != nil || n != 3 {
		t.Fatalf("append A: n=%d err=%v", n, err)
	}
	bytesA, err := os.ReadFile(b.Path())
	if err != nil {
		t.Fatalf("read after A: %v", err)
	}

	// Re-appending the same batch writes zero additional bytes.
	n, err = b.Append(batchA)
	if err != nil || n != 0 {
		t.Fatalf("re-append A: n=%d err=%v", n, err)
	}
	bytesAA, _ := os.ReadFile(b.Path())
	if len(bytesAA) != len(bytesA) {
		t.Fatalf("re-append grew the file: %d -> %d", len(bytesA), len(bytesAA))
	}

	// A disjoint batch appends strictly after the existing bytes.
	batchB := []Message{{ID: "x1", Role: "assistant", Content: "b"}}
	if _, err := b.Append(batchB); err != nil {
		t.Fatalf("append B: %v", err)
	}
	bytesAB, _ := os.ReadFile(b.Path())
	if !strings.HasPrefix(string(bytesAB), string(bytesA)) {
		t.Fatalf("append rewrote existing content")
	}

	got, err := b.Read()
	if err != nil || len(got) != 4 {
		t.Fatalf("read back: n=%d err=%v", len(got), err)
	}
}

func TestBuffer_ClearResetsDedupSet(t *testing.T) {
	t.Parallel()

	b := Open(t.TempDir(), os.Getpid())
	msgs := makeMessages(3)
	if n, _ := b.Append(msgs); n != 3 {
		t.Fatalf("first append short: %d", n)
	}
	if err := b.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got, _ := b.Read(); len(got) != 0 {
		t.Fatalf("expected empty after clear, got %d", len(got))
	}
	n, err := b.Append(msgs)
	if err != nil || n != 3 {
		t.Fatalf("re-append after clear must succeed: n=%d err=%v", n, err)
	}
}

func TestBuffer_ReplaceTruncates(t *testing.T) {
	t.Parallel()

	b := Open(t.TempDir(), os.Getpid())
	if _, err := b.Append(makeMessages(5)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := b.Replace(makeMessages(2)); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := b.Read()
	if err != nil || len(got) != 2 {
		t.Fatalf("expected 2 after replace, got %d err=%v", len(got), err)
	}
}

func TestBuffer_CompactionMarker(t *testing.T) {
	t.Parallel()

	b := Open(t.TempDir(), os.Getpid())
	if _, err := b.Append(makeMessages(4)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	marker, err := b.Compact("Earlier conversation summarized: built the parser.", time.Now().UTC())
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !strings.HasPrefix(marker.ID, "compact_") || marker.Role != "assistant" {
		t.Fatalf("unexpected marker: %+v", marker)
	}
	if !IsCompactionMarker(marker) {
		t.Fatalf("marker not recognized")
	}

	if _, err := b.Append(makeMessages(2)); err != nil {
		t.Fatalf("append after compact: %v", err)
	}
	got, err := b.Read()
	if err != nil || len(got) != 3 {
		t.Fatalf("expected marker plus 2, got %d err=%v", len(got), err)
	}
	if got[0].ID != marker.ID {
		t.Fatalf("marker must stay first, got %q", got[0].ID)
	}
}

func TestBuffer_ReadLegacyArrayFormat(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b := Open(dir, os.Getpid())
	legacy := `[{"id":"m0","role":"user","content":"old"},{"id":"m1","role":"assistant","content":"style"}]`
	if err := os.WriteFile(b.Path(), []byte(legacy), 0o600); err != nil {
		t.Fatalf("write legacy: %v", err)
	}

	got, err := b.Read()
	if err != nil {
		t.Fatalf("read legacy: %v", err)
	}
	if len(got) != 2 || got[0].ID != "m0" || got[1].Content != "style" {
		t.Fatalf("legacy array not migrated: %+v", got)
	}

	// Migration is read-time only; the file keeps working untouched.
	data, _ := os.ReadFile(b.Path())
	if string(data) != legacy {
		t.Fatalf("legacy file rewritten")
	}
}

func TestBuffer_ReadMarksIDsSeen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	seed := Open(dir, os.Getpid())
	if _, err := seed.Append(makeMessages(2)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	b := Open(dir, os.Getpid())
	restored, err := b.Read()
	if err != nil || len(restored) != 2 {
		t.Fatalf("restore: n=%d err=%v", len(restored), err)
	}
	// Re-evicting a restored message must not duplicate it on disk.
	n, err := b.Append(restored)
	if err != nil || n != 0 {
		t.Fatalf("restored ids re-appended: n=%d err=%v", n, err)
	}
}

func TestBuffer_ReadGarbageYieldsEmpty(t *testing.T) {
	t.Parallel()

	b := Open(t.TempDir(), os.Getpid())

	// Absent file.
	if got, err := b.Read(); err != nil || len(got) != 0 {
		t.Fatalf("absent: n=%d err=%v", len(got), err)
	}

	for _, payload := range []string{"", "   \n ", "{not json", "[broken"} {
		if err := os.WriteFile(b.Path(), []byte(payload), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := b.Read()
		if err != nil {
			t.Fatalf("garbage %q must not error: %v", payload, err)
		}
		if len(got) != 0 {
			t.Fatalf("garbage %q yielded %d messages", payload, len(got))
		}
	}
}

func TestBuffer_FileModeIsOwnerOnly(t *testing.T) {
	t.Parallel()

	b := Open(t.TempDir(), os.Getpid())
	if _, err := b.Append(makeMessages(1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	info, err := os.Stat(b.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600, got %o", perm)
	}
}

func TestBuffer_AppendWithoutDirectoryIsSetupBug(t *testing.T) {
	t.Parallel()

	b := Open(filepath.Join(t.TempDir(), "does-not-exist"), os.Getpid())
	if _, err := b.Append(makeMessages(1)); err == nil {
		t.Fatalf("expected error when the buffer directory is missing")
	}
}
