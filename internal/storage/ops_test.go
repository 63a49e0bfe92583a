package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Normal Name", "Normal Name"},
		{"Slash/Name", "SlashName"},
		{"Colon:Name", "ColonName"},
		{"Trailing Dot.", "Trailing Dot"},
		{"<Invalid>", "Invalid"},
	}

	for _, tt := range tests {
		got := Sanitize(tt.input)
		if got != tt.expected {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.txt")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// sha256("hello")
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	if got != want {
		t.Errorf("HashFile() = %s, want %s", got, want)
	}
}

func TestRemoveFile_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.bin")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := RemoveFile(path); err != nil {
		t.Errorf("RemoveFile failed: %v", err)
	}
	if err := RemoveFile(path); err != nil {
		t.Errorf("Second RemoveFile should be a no-op, got %v", err)
	}

	exists, err := Exists(path)
	if err != nil || exists {
		t.Errorf("Exists() = %v, %v; want false", exists, err)
	}
}

func TestFileSizeAndAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "part.bin")

	size, err := FileSize(path)
	if err != nil || size != 0 {
		t.Errorf("FileSize() of missing file = %d, %v", size, err)
	}

	if err := EnsureParent(path); err != nil {
		t.Fatalf("EnsureParent failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		f, err := OpenAppend(path)
		if err != nil {
			t.Fatalf("OpenAppend failed: %v", err)
		}
		if _, err := f.Write([]byte("abc")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		f.Close()
	}

	size, err = FileSize(path)
	if err != nil || size != 6 {
		t.Errorf("FileSize() = %d, %v; want 6", size, err)
	}
}

func TestDeleteFolderIfEmpty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "capsule")
	if err := EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}
	if err := DeleteFolderIfEmpty(dir); err != nil {
		t.Fatalf("DeleteFolderIfEmpty failed: %v", err)
	}
	if exists, _ := Exists(dir); exists {
		t.Error("Expected empty folder to be removed")
	}
	if err := DeleteFolderIfEmpty(dir); err != nil {
		t.Errorf("DeleteFolderIfEmpty on missing dir should be nil, got %v", err)
	}
}

func TestDiskFree(t *testing.T) {
	free, err := DiskFree(t.TempDir())
	if err != nil {
		t.Fatalf("DiskFree failed: %v", err)
	}
	if free < 0 {
		t.Errorf("DiskFree() = %d, want >= 0", free)
	}
}
