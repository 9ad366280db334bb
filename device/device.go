// Package device - Pool-Speicher und Kopier-Stream
//
// Dieses Modul enthaelt:
// - Pool: Interface ueber ein flaches Block-Arena
// - HeapPool: Heap-basierter Pool (primaere Ebene)
// - Set: Primaer-/Sekundaer-Poolpaar mit Slot-Aufloesung
//
// Der Block-Manager sieht von alldem nur block.PoolIndex; Layout und
// Bedeutung der Bytes gehoeren den Attention-Kernels, nicht diesem
// Paket. Kopiert wird ueber Stream (stream.go), der die FIFO-Ordnung
// eines einzelnen Device-Streams nachbildet.
package device

import (
	"fmt"

	"github.com/kvblock/kvblock/block"
)

// Pool is a flat arena of fixed-size block pages. Slot returns the
// full page backing one block; the slice aliases the arena and stays
// valid until Close.
type Pool interface {
	Slot(i int32) []byte
	Base() []byte
	NumSlots() int
	Close() error
}

// HeapPool backs a pool with ordinary Go heap memory.
type HeapPool struct {
	data     []byte
	pageSize int64
	nSlots   int
}

// NewHeapPool allocates a heap arena of nSlots pages.
func NewHeapPool(nSlots int, pageSize int64) (*HeapPool, error) {
	if nSlots < 0 || pageSize <= 0 {
		return nil, fmt.Errorf("invalid pool shape: %d slots of %d bytes", nSlots, pageSize)
	}
	return &HeapPool{
		data:     make([]byte, int64(nSlots)*pageSize),
		pageSize: pageSize,
		nSlots:   nSlots,
	}, nil
}

func (p *HeapPool) Slot(i int32) []byte {
	off := int64(i) * p.pageSize
	return p.data[off : off+p.pageSize]
}

func (p *HeapPool) NumSlots() int { return p.nSlots }

func (p *HeapPool) Close() error {
	p.data = nil
	return nil
}

// Base returns the arena's backing bytes, for offset-table export.
func (p *HeapPool) Base() []byte { return p.data }

// Set is the primary/secondary pool pair one manager owns. Sizes are
// final at construction; all later work is slot arithmetic.
type Set struct {
	primary   Pool
	secondary Pool

	nLayers  int
	pageSize int64
}

// NewSet allocates both pools for cfg. The primary tier lives on the
// heap; the secondary tier, when configured, is a distinct mmap'd
// address range on platforms that support it, making "slower memory"
// a real second tier rather than another slice of the same arena.
// useUVM keeps both tiers in one kind of memory (heap), for callers
// whose deployment has no meaningful tier distinction.
func NewSet(cfg block.Config, useUVM bool) (*Set, error) {
	pageSize := block.PageSize(cfg)
	primary, err := NewHeapPool(cfg.NPrimaryBlocks, pageSize)
	if err != nil {
		return nil, err
	}
	var secondary Pool
	if cfg.NSecondaryBlocks > 0 {
		if useUVM {
			secondary, err = NewHeapPool(cfg.NSecondaryBlocks, pageSize)
		} else {
			secondary, err = NewMmapPool(cfg.NSecondaryBlocks, pageSize)
		}
		if err != nil {
			primary.Close()
			return nil, err
		}
	}
	return &Set{
		primary:   primary,
		secondary: secondary,
		nLayers:   cfg.NLayers,
		pageSize:  pageSize,
	}, nil
}

// Bytes resolves a pool index to its page.
func (s *Set) Bytes(idx block.PoolIndex) ([]byte, error) {
	pool := s.primary
	if idx.Secondary {
		pool = s.secondary
	}
	if pool == nil || int(idx.Slot) >= pool.NumSlots() || idx.Slot < 0 {
		return nil, fmt.Errorf("pool index out of range: secondary=%v slot=%d", idx.Secondary, idx.Slot)
	}
	return pool.Slot(idx.Slot), nil
}

// Bases returns the raw backing memory of both tiers, for
// offset-table export to kernels. Secondary is nil when unconfigured.
func (s *Set) Bases() (primary, secondary []byte) {
	primary = s.primary.Base()
	if s.secondary != nil {
		secondary = s.secondary.Base()
	}
	return primary, secondary
}

// NumLayers returns how many per-layer segments each page divides into.
func (s *Set) NumLayers() int { return s.nLayers }

// PageSize returns the byte footprint of one block page.
func (s *Set) PageSize() int64 { return s.pageSize }

// Close releases both pools.
func (s *Set) Close() error {
	err := s.primary.Close()
	if s.secondary != nil {
		if serr := s.secondary.Close(); err == nil {
			err = serr
		}
	}
	return err
}
