package hashedtrie

import (
	"bytes"
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gofrs/flock"
	blake2b "github.com/minio/blake2b-simd"
	"golang.org/x/sys/unix"

	"github.com/oneconcern/compilecache/pkg/caserr"
)

const (
	magic         uint64 = 0x6c6c766d2e747269 // "llvm.tri" in ASCII, little-endian
	formatVersion uint32 = 1

	headerSize     = 192
	schemeNameSize = 64

	offMagic         = 0
	offVersion       = 8
	offKeyBits       = 12
	offPayloadBytes  = 16
	offBranchBits    = 20
	offSchemeName    = 24
	offRootOffset    = offSchemeName + schemeNameSize
	offHighWatermark = offRootOffset + 8
	offMaxFileSize   = offHighWatermark + 8
	offMinFileSize   = offMaxFileSize + 8
	offChecksum      = offMinFileSize + 8
	checksumSize     = 32
)

// file wraps a single memory-mapped, append-only table file. Slot reads and
// writes go through mapMu.RLock so that growing the file (which remaps the
// whole region) can take mapMu.Lock and wait for in-flight accessors to
// finish before swapping the mapping out from under them.
type file struct {
	path string
	osf  *os.File
	lock *flock.Flock // advisory, cross-process; held only while allocating

	allocMu sync.Mutex // in-process; flock only serializes across processes
	mapMu   sync.RWMutex
	data    []byte // current mmap view, length == current file size

	keyBits      int
	payloadBytes int
	branchBits   uint
	maxFileSize  uint64
	minFileSize  uint64
	schemeName   string
}

func createFile(path, schemeName string, keyBits, payloadBytes int, branchBits uint, minSize, maxSize uint64) (*file, error) {
	osf, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, caserr.IO("creating table file %q: %v", path, err)
	}

	f := &file{
		path:         path,
		osf:          osf,
		lock:         flock.New(path + ".lock"),
		keyBits:      keyBits,
		payloadBytes: payloadBytes,
		branchBits:   branchBits,
		maxFileSize:  maxSize,
		minFileSize:  minSize,
		schemeName:   schemeName,
	}

	fanout := uint64(1) << branchBits
	rootSize := fanout * wordSize
	initialSize := headerSize + rootSize
	if initialSize < minSize {
		initialSize = minSize
	}

	if err := osf.Truncate(int64(initialSize)); err != nil {
		osf.Close()
		os.Remove(path)
		return nil, caserr.IO("sizing table file %q: %v", path, err)
	}
	if err := f.mmap(initialSize); err != nil {
		osf.Close()
		os.Remove(path)
		return nil, err
	}

	// rootOffset is filled in once the caller allocates the root node
	// itself; highWatermark starts right after the header so that first
	// allocation lands at headerSize.
	f.writeHeader(0, uint64(headerSize))
	return f, nil
}

func openFile(path string, expectKeyBits, expectPayloadBytes int, branchBits uint, maxSize uint64) (*file, error) {
	osf, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, caserr.IO("opening table file %q: %v", path, err)
	}
	fi, err := osf.Stat()
	if err != nil {
		osf.Close()
		return nil, caserr.IO("stat table file %q: %v", path, err)
	}

	f := &file{
		path:        path,
		osf:         osf,
		lock:        flock.New(path + ".lock"),
		branchBits:  branchBits,
		maxFileSize: maxSize,
	}
	if err := f.mmap(uint64(fi.Size())); err != nil {
		osf.Close()
		return nil, err
	}
	if err := f.readHeader(expectKeyBits, expectPayloadBytes); err != nil {
		f.close()
		return nil, err
	}
	return f, nil
}

func (f *file) mmap(size uint64) error {
	data, err := unix.Mmap(int(f.osf.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return caserr.IO("mmap %q: %v", f.path, err)
	}
	f.data = data
	return nil
}

func (f *file) close() error {
	f.mapMu.Lock()
	defer f.mapMu.Unlock()
	if f.data != nil {
		_ = unix.Munmap(f.data)
		f.data = nil
	}
	return f.osf.Close()
}

func (f *file) writeHeader(rootOffset, highWatermark uint64) {
	f.mapMu.RLock()
	defer f.mapMu.RUnlock()
	h := f.data[:headerSize]
	putUint64(h[offMagic:], magic)
	binary.LittleEndian.PutUint32(h[offVersion:], formatVersion)
	binary.LittleEndian.PutUint32(h[offKeyBits:], uint32(f.keyBits))
	binary.LittleEndian.PutUint32(h[offPayloadBytes:], uint32(f.payloadBytes))
	binary.LittleEndian.PutUint32(h[offBranchBits:], uint32(f.branchBits))
	copy(h[offSchemeName:offSchemeName+schemeNameSize], []byte(f.schemeName))
	putUint64(h[offRootOffset:], rootOffset)
	putUint64(h[offHighWatermark:], highWatermark)
	putUint64(h[offMaxFileSize:], f.maxFileSize)
	putUint64(h[offMinFileSize:], f.minFileSize)
	sum := blake2b.Sum256(h[:offChecksum])
	copy(h[offChecksum:offChecksum+checksumSize], sum[:])
}

func (f *file) readHeader(expectKeyBits, expectPayloadBytes int) error {
	f.mapMu.RLock()
	defer f.mapMu.RUnlock()
	if len(f.data) < headerSize {
		return caserr.Corruption("table file %q shorter than header", f.path)
	}
	h := f.data[:headerSize]
	if getUint64(h[offMagic:]) != magic {
		return caserr.Corruption("table file %q: bad magic", f.path)
	}
	if binary.LittleEndian.Uint32(h[offVersion:]) != formatVersion {
		return caserr.Corruption("table file %q: unsupported version", f.path)
	}
	wantSum := blake2b.Sum256(h[:offChecksum])
	if !bytes.Equal(h[offChecksum:offChecksum+checksumSize], wantSum[:]) {
		return caserr.Corruption("table file %q: header checksum mismatch", f.path)
	}
	keyBits := int(binary.LittleEndian.Uint32(h[offKeyBits:]))
	payloadBytes := int(binary.LittleEndian.Uint32(h[offPayloadBytes:]))
	if keyBits != expectKeyBits {
		return caserr.ConfigMismatch("table file %q: key width %d, expected %d", f.path, keyBits, expectKeyBits)
	}
	if payloadBytes != expectPayloadBytes {
		return caserr.ConfigMismatch("table file %q: payload width %d, expected %d", f.path, payloadBytes, expectPayloadBytes)
	}
	f.keyBits = keyBits
	f.payloadBytes = payloadBytes
	f.branchBits = uint(binary.LittleEndian.Uint32(h[offBranchBits:]))
	f.schemeName = stringFromFixed(h[offSchemeName : offSchemeName+schemeNameSize])
	f.minFileSize = getUint64(h[offMinFileSize:])
	if max := getUint64(h[offMaxFileSize:]); max != 0 {
		f.maxFileSize = max
	}
	return nil
}

func stringFromFixed(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (f *file) rootOffset() uint64 {
	f.mapMu.RLock()
	defer f.mapMu.RUnlock()
	return getUint64(f.data[offRootOffset:])
}

func (f *file) highWatermark() uint64 {
	f.mapMu.RLock()
	defer f.mapMu.RUnlock()
	return getUint64(f.data[offHighWatermark:])
}

func (f *file) setHighWatermark(v uint64) {
	f.mapMu.RLock()
	defer f.mapMu.RUnlock()
	h := f.data[:headerSize]
	putUint64(h[offHighWatermark:], v)
	sum := blake2b.Sum256(h[:offChecksum])
	copy(h[offChecksum:offChecksum+checksumSize], sum[:])
}

// allocate reserves n bytes (rounded up to word alignment) past the current
// high-watermark, growing the backing file if needed, and returns the
// offset of the reserved, zero-initialized region. Only one allocation may
// be in flight at a time per file: allocMu serializes goroutines within
// this process, and the advisory lock on a sibling ".lock" file serializes
// across processes sharing the same table file.
func (f *file) allocate(n uint64) (uint64, error) {
	n = alignUp(n, wordSize)

	f.allocMu.Lock()
	defer f.allocMu.Unlock()

	if err := f.lock.Lock(); err != nil {
		return 0, caserr.IO("acquiring allocation lock for %q: %v", f.path, err)
	}
	defer f.lock.Unlock()

	cur := f.highWatermark()
	end := cur + n
	if end > f.maxFileSize {
		return 0, caserr.IO("table %q full: would grow to %d bytes, limit %d", f.path, end, f.maxFileSize)
	}

	if err := f.growTo(end); err != nil {
		return 0, err
	}
	f.setHighWatermark(end)
	return cur, nil
}

func (f *file) growTo(size uint64) error {
	f.mapMu.Lock()
	defer f.mapMu.Unlock()
	if uint64(len(f.data)) >= size {
		return nil
	}
	newSize := nextFileSize(uint64(len(f.data)), size, f.maxFileSize)
	if err := f.osf.Truncate(int64(newSize)); err != nil {
		return caserr.IO("growing table file %q: %v", f.path, err)
	}
	if err := unix.Munmap(f.data); err != nil {
		return caserr.IO("unmapping table file %q during growth: %v", f.path, err)
	}
	data, err := unix.Mmap(int(f.osf.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return caserr.IO("remapping table file %q during growth: %v", f.path, err)
	}
	f.data = data
	return nil
}

// nextFileSize doubles the current capacity (bounded below by the request
// and above by maxFileSize) so growth is amortized rather than per-byte.
func nextFileSize(cur, need, max uint64) uint64 {
	next := cur
	if next == 0 {
		next = headerSize
	}
	for next < need {
		next *= 2
	}
	if max != 0 && next > max && need <= max {
		next = max
	}
	return next
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) / align * align
}

func (f *file) readBytes(offset, length uint64) []byte {
	f.mapMu.RLock()
	defer f.mapMu.RUnlock()
	out := make([]byte, length)
	copy(out, f.data[offset:offset+length])
	return out
}

func (f *file) writeBytes(offset uint64, b []byte) {
	f.mapMu.RLock()
	defer f.mapMu.RUnlock()
	copy(f.data[offset:offset+uint64(len(b))], b)
}

func (f *file) readSlot(nodeOffset uint64, index uint64) uint64 {
	f.mapMu.RLock()
	defer f.mapMu.RUnlock()
	off := nodeOffset + index*wordSize
	ptr := (*uint64)(unsafe.Pointer(&f.data[off]))
	return atomic.LoadUint64(ptr)
}

func (f *file) writeSlotPlain(nodeOffset uint64, index uint64, v uint64) {
	f.mapMu.RLock()
	defer f.mapMu.RUnlock()
	off := nodeOffset + index*wordSize
	putUint64(f.data[off:off+wordSize], v)
}

func (f *file) casSlot(nodeOffset uint64, index uint64, old, newVal uint64) bool {
	f.mapMu.RLock()
	defer f.mapMu.RUnlock()
	off := nodeOffset + index*wordSize
	ptr := (*uint64)(unsafe.Pointer(&f.data[off]))
	return atomic.CompareAndSwapUint64(ptr, old, newVal)
}
