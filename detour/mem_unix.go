//go:build unix

package detour

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	mprotectExec = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	mprotectRX   = unix.PROT_READ | unix.PROT_EXEC
	mprotectRWX  = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
)

func mprotect(buf []byte, flags int) error {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	pageSize := unix.Getpagesize()

	// Round address down to page boundary.
	// Example: addr=4196 with pageSize=4096 becomes 4096.
	pageStart := addr &^ (uintptr(pageSize) - 1)

	// Round up to cover complete pages, including the offset from
	// pageStart to addr.
	regionSize := (int(addr-pageStart) + len(buf) + pageSize - 1) &^ (pageSize - 1)

	region := unsafe.Slice((*byte)(unsafe.Pointer(pageStart)), regionSize)

	return unix.Mprotect(region, flags)
}
