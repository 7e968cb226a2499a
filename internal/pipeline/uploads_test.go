package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveUploadResolvesNameCollisions(t *testing.T) {
	dir := t.TempDir()

	p1, err := SaveUpload(dir, "report.pdf", strings.NewReader("first"))
	if err != nil {
		t.Fatalf("SaveUpload #1: %v", err)
	}
	p2, err := SaveUpload(dir, "report.pdf", strings.NewReader("second"))
	if err != nil {
		t.Fatalf("SaveUpload #2: %v", err)
	}
	p3, err := SaveUpload(dir, "report.pdf", strings.NewReader("third"))
	if err != nil {
		t.Fatalf("SaveUpload #3: %v", err)
	}

	if filepath.Base(p1) != "report.pdf" {
		t.Fatalf("first save path = %s, want report.pdf", p1)
	}
	if filepath.Base(p2) != "report (1).pdf" {
		t.Fatalf("second save path = %s, want report (1).pdf", p2)
	}
	if filepath.Base(p3) != "report (2).pdf" {
		t.Fatalf("third save path = %s, want report (2).pdf", p3)
	}

	for path, want := range map[string]string{p1: "first", p2: "second", p3: "third"} {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if string(data) != want {
			t.Fatalf("content of %s = %q, want %q", path, data, want)
		}
	}
}

func TestSaveUploadHandlesContentLargerThanOneBuffer(t *testing.T) {
	dir := t.TempDir()

	content := strings.Repeat("x", uploadReadBufSize*3+17)
	path, err := SaveUpload(dir, "big.txt", strings.NewReader(content))
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != content {
		t.Fatalf("content length = %d, want %d", len(data), len(content))
	}
}
