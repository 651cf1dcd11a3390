//go:build !unix

package source

import (
	"hash/fnv"
	"os"
	"strconv"
)

// getInode has no portable equivalent outside Unix; fall back to a
// hash of size and modification time as a rotation-detection proxy.
func getInode(info os.FileInfo) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strconv.FormatInt(info.Size(), 10)))
	h.Write([]byte(info.ModTime().String()))
	return h.Sum64()
}
