package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cesargomez89/capsulecache/internal/constants"
)

func Sanitize(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if strings.ContainsRune("<>:\"/\\|?*", r) {
			return -1
		}
		return r
	}, s)

	return strings.TrimRight(mapped, ". ")
}

func EnsureDir(path string) error {
	return os.MkdirAll(path, constants.DirPermissions)
}

// EnsureParent creates the directory holding path.
func EnsureParent(path string) error {
	return EnsureDir(filepath.Dir(path))
}

// OpenAppend opens path for appending, creating it if needed.
func OpenAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, constants.FilePermissions)
}

// RemoveFile deletes path. A file that is already gone is not an error.
func RemoveFile(path string) error {
	err := os.Remove(path)
	if err != nil && !IsNotExist(err) {
		return err
	}
	return nil
}

// FileSize returns the size of path, or 0 when it does not exist.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

// Exists reports whether path is present on disk.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func DeleteFolderIfEmpty(dirPath string) error {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(entries) == 0 {
		return os.Remove(dirPath)
	}
	return nil
}

func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
