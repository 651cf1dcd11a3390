//go:build unix

package source

import (
	"os"
	"syscall"
)

func getInode(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
