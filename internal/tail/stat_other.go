//go:build !unix

package tail

import "io/fs"

// Platforms without device and inode numbers fall back to size-shrink
// detection only.
func identityOf(fs.FileInfo) (device, inode uint64) {
	return 0, 0
}
