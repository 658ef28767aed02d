//go:build unix

package arbtrie

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapFile memory-maps the first size bytes of f for read-write access,
// growing the underlying file first if it is shorter than size.
func mmapFile(f *os.File, size int64) ([]byte, error) {
	if fi, err := f.Stat(); err != nil {
		return nil, err
	} else if fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			return nil, err
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func munmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munmap(data)
}

// msyncRange flushes data[offset:offset+length] to disk. offset and length
// are rounded to the enclosing page range before the msync call.
func msyncRange(data []byte, offset, length int64) error {
	if length <= 0 {
		return nil
	}
	pageSize := int64(unix.Getpagesize())
	start := offset &^ (pageSize - 1)
	end := offset + length
	if rem := end % pageSize; rem != 0 {
		end += pageSize - rem
	}
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	if start >= end {
		return nil
	}
	return unix.Msync(data[start:end], unix.MS_SYNC)
}

func madviseSequential(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Madvise(data, unix.MADV_SEQUENTIAL)
}

func madviseRandom(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Madvise(data, unix.MADV_RANDOM)
}
