package storage

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAnswerKeyRoundTrip(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key := AnswerKey("att-1", "q-1", "weld.jpg")
	got, err := s.Put(key, strings.NewReader("jpeg bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if got != key {
		t.Fatalf("canonical key = %q, want %q", got, key)
	}
	rc, err := s.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "jpeg bytes" {
		t.Fatalf("content = %q", b)
	}
}

func TestInvalidKeysNeverTouchDisk(t *testing.T) {
	base := t.TempDir()
	s, err := NewFSStore(base)
	if err != nil {
		t.Fatal(err)
	}

	bad := []string{
		"",
		"weld.jpg",                          // outside answers/
		"exports/att/q/weld.jpg",            // wrong prefix
		"answers/../../../etc/passwd",       // traversal
		AnswerKey("..", "q", "weld.jpg"),    // traversal via attempt segment
		AnswerKey("att", "q", ".."),         // traversal via filename
		"answers/att//weld.jpg",             // empty segment
		"answers/att/./weld.jpg",            // dot segment
	}
	for _, key := range bad {
		if _, err := s.Put(key, strings.NewReader("x")); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Put(%q) = %v, want ErrInvalidKey", key, err)
		}
		if _, err := s.Get(key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Get(%q) = %v, want ErrInvalidKey", key, err)
		}
	}

	// nothing escaped or landed under the base
	var files []string
	_ = filepath.Walk(base, func(p string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if len(files) != 0 {
		t.Fatalf("unexpected files written: %v", files)
	}
}
