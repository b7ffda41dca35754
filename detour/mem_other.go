//go:build !unix && !windows

package detour

const (
	mprotectExec = 0
	mprotectRX   = 0
	mprotectRWX  = 0
)

func mprotect([]byte, int) error {
	return ErrUnsupported
}
