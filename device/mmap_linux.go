//go:build linux

// mmap_linux.go - Mmap-basierter Sekundaer-Pool (Linux)
// Enthaelt: MmapPool, NewMmapPool
package device

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MmapPool backs a pool with an anonymous mmap'd region — a distinct
// address range from the heap-backed primary tier, the closest
// user-space analogue to host-offload memory.
type MmapPool struct {
	data     []byte
	pageSize int64
	nSlots   int
}

// NewMmapPool maps an anonymous region of nSlots pages.
func NewMmapPool(nSlots int, pageSize int64) (Pool, error) {
	if nSlots < 0 || pageSize <= 0 {
		return nil, fmt.Errorf("invalid pool shape: %d slots of %d bytes", nSlots, pageSize)
	}
	size := int(int64(nSlots) * pageSize)
	if size == 0 {
		return &MmapPool{pageSize: pageSize}, nil
	}
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap secondary pool: %w", err)
	}
	return &MmapPool{data: data, pageSize: pageSize, nSlots: nSlots}, nil
}

func (p *MmapPool) Slot(i int32) []byte {
	off := int64(i) * p.pageSize
	return p.data[off : off+p.pageSize]
}

func (p *MmapPool) NumSlots() int { return p.nSlots }

func (p *MmapPool) Close() error {
	if p.data == nil {
		return nil
	}
	err := unix.Munmap(p.data)
	p.data = nil
	return err
}

// Base returns the mapped bytes, for offset-table export.
func (p *MmapPool) Base() []byte { return p.data }
