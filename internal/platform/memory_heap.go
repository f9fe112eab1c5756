//go:build !(linux || darwin)

package platform

func reserveLinearMemory(int) ([]byte, bool, error) { return nil, false, nil }

func commitLinearMemory([]byte) error { return nil }

func releaseLinearMemory([]byte) error { return nil }
