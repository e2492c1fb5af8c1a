package dbrew

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// defaultCodeStorageSize is the initial capacity of a fresh code buffer, in
// bytes, rounded up to a page by NewCodeStorage. Most rewritten functions
// are small, so a modest starting size that grows only when needed is
// enough.
const defaultCodeStorageSize = 3072

// CodeStorage owns one mmap'd region of generated machine code. Rather than
// mapping PROT_READ|WRITE|EXEC in one call, CodeStorage keeps the mapping
// writable-only until Finalize flips it to executable — never both at once
// (W^X over RWX).
type CodeStorage struct {
	mem   []byte // the live mmap'd mapping
	used  int
	final bool
}

// NewCodeStorage maps a fresh read-write region at least capacity bytes
// long, rounded up to the system page size.
func NewCodeStorage(capacity int) (*CodeStorage, error) {
	if capacity <= 0 {
		capacity = defaultCodeStorageSize
	}
	mem, err := mmapRW(capacity)
	if err != nil {
		return nil, err
	}
	return &CodeStorage{mem: mem}, nil
}

func mmapRW(capacity int) ([]byte, error) {
	pageSize := unix.Getpagesize()
	size := ((capacity + pageSize - 1) / pageSize) * pageSize
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("dbrew: mmap code storage: %w", err)
	}
	return mem, nil
}

// Bytes exposes the mapping as a slice for the duration the region remains
// writable, so the encoder/linker can write directly into it.
func (cs *CodeStorage) Bytes() []byte { return cs.mem }

// Append copies code into the storage starting at the current write
// cursor, growing the mapping first if it doesn't fit, and returns the
// absolute address the copy now lives at.
func (cs *CodeStorage) Append(code []byte) (uintptr, error) {
	if cs.final {
		return 0, fmt.Errorf("dbrew: code storage already finalized")
	}
	if cs.used+len(code) > len(cs.mem) {
		if err := cs.grow(cs.used + len(code)); err != nil {
			return 0, err
		}
	}
	copy(cs.mem[cs.used:], code)
	addr := cs.BaseAddr() + uintptr(cs.used)
	cs.used += len(code)
	return addr, nil
}

func (cs *CodeStorage) grow(need int) error {
	newMem, err := mmapRW(need)
	if err != nil {
		return err
	}
	copy(newMem, cs.mem[:cs.used])
	old := cs.mem
	cs.mem = newMem
	if err := unix.Munmap(old); err != nil {
		return fmt.Errorf("dbrew: munmap during growth: %w", err)
	}
	return nil
}

// Finalize flips the mapping from RW to RX (the W^X rule), after which
// Append and Bytes must not be called again.
func (cs *CodeStorage) Finalize() error {
	if cs.final {
		return nil
	}
	if err := unix.Mprotect(cs.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("dbrew: mprotect RX: %w", err)
	}
	cs.final = true
	return nil
}

// Reopen flips a finalized mapping back to RW so more code can be appended
// to the same storage. Rewrite does not call it: every Rewrite call maps
// fresh storage.
func (cs *CodeStorage) Reopen() error {
	if !cs.final {
		return nil
	}
	if err := unix.Mprotect(cs.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("dbrew: mprotect RW: %w", err)
	}
	cs.final = false
	return nil
}

// Close unmaps the region. Further use of any address handed out by Append
// is undefined after Close.
func (cs *CodeStorage) Close() error {
	if cs.mem == nil {
		return nil
	}
	err := unix.Munmap(cs.mem)
	cs.mem = nil
	return err
}

// BaseAddr returns the mapping's current base address.
func (cs *CodeStorage) BaseAddr() uintptr {
	if len(cs.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&cs.mem[0]))
}

// Size returns the mapping's total capacity.
func (cs *CodeStorage) Size() int { return len(cs.mem) }
