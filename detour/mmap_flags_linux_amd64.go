//go:build linux && amd64

package detour

import "golang.org/x/sys/unix"

// Keep the arena in the low 2GB so relocated rel32 calls and RIP-relative
// loads can still reach the text segment.
const map_32bit = unix.MAP_32BIT
