package diskstore

import (
	"os"
	"sync"

	"github.com/oneconcern/compilecache/pkg/caserr"
)

// appendLog is a simple append-only side file used to hold the
// variable-length bytes (object data, packed ref-digest arrays) that the
// fixed-width hashedtrie records point into.
type appendLog struct {
	mu   sync.Mutex
	f    *os.File
	size uint64
}

func openAppendLog(path string) (*appendLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, caserr.IO("opening %q: %v", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, caserr.IO("stat %q: %v", path, err)
	}
	return &appendLog{f: f, size: uint64(fi.Size())}, nil
}

func (a *appendLog) append(b []byte) (offset uint64, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, err := a.f.WriteAt(b, int64(a.size))
	if err != nil {
		return 0, caserr.IO("appending %d bytes to %q: %v", len(b), a.f.Name(), err)
	}
	offset = a.size
	a.size += uint64(n)
	return offset, nil
}

func (a *appendLog) readAt(offset uint64, length uint64) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := a.f.ReadAt(buf, int64(offset)); err != nil {
		return nil, caserr.IO("reading %d bytes at %d from %q: %v", length, offset, a.f.Name(), err)
	}
	return buf, nil
}

func (a *appendLog) close() error {
	return a.f.Close()
}
