//go:build !unix

package compute

func allocBlock(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freeBlock([]byte) error { return nil }
