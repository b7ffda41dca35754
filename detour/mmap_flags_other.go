//go:build !(linux && amd64)

package detour

// Darwin, the BSDs and Windows have no MAP_32BIT. We'll have to trust the
// OS to give us an address close enough to the text segment.
const map_32bit = 0
