//go:build !unix

package kv

// Only the in-process mutex guards the file store on these platforms.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
