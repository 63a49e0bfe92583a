//go:build !linux && !darwin

package storage

// DiskFree is not supported on this platform and always reports 0.
func DiskFree(path string) (int64, error) {
	return 0, nil
}
