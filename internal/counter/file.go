package counter

import (
	"encoding/binary"
	"os"
	"syscall"

	"github.com/anchor-go/anchor/pkg/fs"
)

const osRDWRCreate = os.O_RDWR | os.O_CREATE

func truncate(file fs.File, size int64) error {
	return syscall.Ftruncate(int(file.Fd()), size)
}

func readUint64(data []byte, slot int) uint64 {
	off := slot * 8
	return binary.LittleEndian.Uint64(data[off : off+8])
}

func writeUint64(data []byte, slot int, v uint64) {
	off := slot * 8
	binary.LittleEndian.PutUint64(data[off:off+8], v)
}
