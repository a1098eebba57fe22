package pool

import (
	"syscall"

	"github.com/anchor-go/anchor/pkg/fs"
)

func truncateHeap(file fs.File, size int64) error {
	return syscall.Ftruncate(int(file.Fd()), size)
}
