//go:build !unix

package store

// lockFile is a no-op where flock is unavailable; the in-process mutex
// still serializes writers within one process.
func lockFile(path string, exclusive bool) (func(), error) {
	return func() {}, nil
}
