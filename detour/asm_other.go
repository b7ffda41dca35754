//go:build !amd64 && !arm64

package detour

// Patching is only implemented for amd64 and arm64.
const jumpSize = 0

func writeJump([]byte, uintptr) error {
	return ErrUnsupported
}

func relocateFunc([]byte, uintptr, []byte) ([]byte, error) {
	return nil, ErrUnsupported
}

func disassemble([]byte) (string, error) {
	return "", ErrUnsupported
}
