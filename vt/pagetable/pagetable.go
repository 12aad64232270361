// Package pagetable maps virtual tile coordinates to physical atlas slots and
// mirrors that mapping into a GPU indirection texture.
//
// The CPU table is the source of truth. The indirection texture is a
// write-only projection of it: one RGBA16Uint texel per virtual tile, mip
// levels matching the tile grid mips. A texel holds (slotX, slotY, mip,
// flags); flags bit 0 marks a resident tile and an unmapped tile is all zero.
package pagetable

import (
	"encoding/binary"
	"fmt"

	"github.com/gekko3d/vtex/vt/core"
	"github.com/gekko3d/vtex/vt/gpu"
	"golang.org/x/exp/slices"
)

const (
	unmapped      int32  = -1
	FlagResident  uint16 = 1 << 0
	BytesPerEntry        = 8
)

// Entry is the state of one tile. LastUsed is meaningful only when Resident.
type Entry struct {
	Resident bool
	Slot     uint32
	LastUsed uint64
}

type Table struct {
	cfg     core.Config
	surface gpu.Surface
	tex     gpu.Texture

	// slots[mip][y*tilesPerRow+x], unmapped when negative
	slots    [][]int32
	lastUsed map[core.TileCoord]uint64
	dirty    map[core.TileCoord]struct{}

	scratch []byte
	flushed uint64
}

func New(cfg core.Config, surface gpu.Surface, label string) (*Table, error) {
	t := &Table{
		cfg:      cfg,
		surface:  surface,
		lastUsed: make(map[core.TileCoord]uint64),
		dirty:    make(map[core.TileCoord]struct{}),
	}
	for mip := uint8(0); mip <= cfg.MaxMipLevel(); mip++ {
		n := cfg.TilesPerRow(mip)
		level := make([]int32, int(n)*int(n))
		for i := range level {
			level[i] = unmapped
		}
		t.slots = append(t.slots, level)
	}

	tex, err := surface.CreateTexture(gpu.TextureDescriptor{
		Label:     label,
		Width:     cfg.TilesPerRow(0),
		Height:    cfg.TilesPerRow(0),
		MipLevels: cfg.MipLevels(),
		Format:    gpu.FormatRGBA16Uint,
		Usage:     gpu.UsageSampled | gpu.UsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create indirection texture: %w", err)
	}
	t.tex = tex
	return t, nil
}

func (t *Table) index(coord core.TileCoord) int {
	return int(coord.Y)*int(t.cfg.TilesPerRow(coord.Mip)) + int(coord.X)
}

// Lookup returns the slot holding coord. Out-of-range coordinates are unmapped.
func (t *Table) Lookup(coord core.TileCoord) (uint32, bool) {
	if t.cfg.Validate(coord) != nil {
		return 0, false
	}
	s := t.slots[coord.Mip][t.index(coord)]
	if s < 0 {
		return 0, false
	}
	return uint32(s), true
}

func (t *Table) Entry(coord core.TileCoord) Entry {
	slot, ok := t.Lookup(coord)
	if !ok {
		return Entry{}
	}
	return Entry{Resident: true, Slot: slot, LastUsed: t.lastUsed[coord]}
}

// Bind marks coord resident in slot. The slot must already be claimed for coord.
func (t *Table) Bind(coord core.TileCoord, slot uint32, frame uint64) error {
	if err := t.cfg.Validate(coord); err != nil {
		return err
	}
	if slot >= t.cfg.SlotCount() {
		return fmt.Errorf("bind %s: slot %d out of range (%d slots)", coord, slot, t.cfg.SlotCount())
	}
	t.slots[coord.Mip][t.index(coord)] = int32(slot)
	t.lastUsed[coord] = frame
	t.dirty[coord] = struct{}{}
	return nil
}

// Unbind marks coord unmapped and reports whether it was resident.
func (t *Table) Unbind(coord core.TileCoord) bool {
	if t.cfg.Validate(coord) != nil {
		return false
	}
	i := t.index(coord)
	if t.slots[coord.Mip][i] < 0 {
		return false
	}
	t.slots[coord.Mip][i] = unmapped
	delete(t.lastUsed, coord)
	t.dirty[coord] = struct{}{}
	return true
}

// Touch stamps a resident tile as used in frame without changing residency.
func (t *Table) Touch(coord core.TileCoord, frame uint64) bool {
	if _, ok := t.lastUsed[coord]; !ok {
		return false
	}
	t.lastUsed[coord] = frame
	return true
}

// Dirty is the number of entries changed since the last Flush.
func (t *Table) Dirty() int {
	return len(t.dirty)
}

// Resident is the number of resident entries.
func (t *Table) Resident() int {
	return len(t.lastUsed)
}

// ForEachResident calls fn for every resident entry, coarse mips first.
func (t *Table) ForEachResident(fn func(coord core.TileCoord, e Entry)) {
	coords := make([]core.TileCoord, 0, len(t.lastUsed))
	for c := range t.lastUsed {
		coords = append(coords, c)
	}
	slices.SortFunc(coords, core.Compare)
	for _, c := range coords {
		fn(c, t.Entry(c))
	}
}

// Resolve walks from coord towards the single-tile mip and returns the first
// resident tile, which is what sampling falls back to.
func (t *Table) Resolve(coord core.TileCoord) (core.TileCoord, uint32, bool) {
	if t.cfg.Validate(coord) != nil {
		return core.TileCoord{}, 0, false
	}
	for mip := coord.Mip; mip <= t.cfg.MaxMipLevel(); mip++ {
		c := t.cfg.Ancestor(coord, mip)
		if slot, ok := t.Lookup(c); ok {
			return c, slot, true
		}
	}
	return core.TileCoord{}, 0, false
}

func (t *Table) encode(dst []byte, coord core.TileCoord) {
	slot, ok := t.Lookup(coord)
	if !ok {
		clear(dst[:BytesPerEntry])
		return
	}
	perRow := t.cfg.SlotsPerRow()
	binary.LittleEndian.PutUint16(dst[0:], uint16(slot%perRow))
	binary.LittleEndian.PutUint16(dst[2:], uint16(slot/perRow))
	binary.LittleEndian.PutUint16(dst[4:], uint16(coord.Mip))
	binary.LittleEndian.PutUint16(dst[6:], FlagResident)
}

// Flush writes every entry changed since the previous flush into the
// indirection texture. Changed entries are grouped into horizontal runs so
// each run is one region upload. It returns the number of entries written.
func (t *Table) Flush() (int, error) {
	if len(t.dirty) == 0 {
		return 0, nil
	}
	coords := make([]core.TileCoord, 0, len(t.dirty))
	for c := range t.dirty {
		coords = append(coords, c)
	}
	slices.SortFunc(coords, core.Compare)

	written := 0
	for start := 0; start < len(coords); {
		end := start + 1
		for end < len(coords) {
			prev, next := coords[end-1], coords[end]
			if next.Mip != prev.Mip || next.Y != prev.Y || next.X != prev.X+1 {
				break
			}
			end++
		}

		run := coords[start:end]
		size := len(run) * BytesPerEntry
		if cap(t.scratch) < size {
			t.scratch = make([]byte, size)
		}
		buf := t.scratch[:size]
		for i, c := range run {
			t.encode(buf[i*BytesPerEntry:], c)
		}
		region := gpu.Region{
			X:      run[0].X,
			Y:      run[0].Y,
			Width:  uint32(len(run)),
			Height: 1,
			Mip:    uint32(run[0].Mip),
		}
		if err := t.surface.WriteTexture(t.tex, region, buf, uint32(size)); err != nil {
			return written, fmt.Errorf("failed to flush page table run at %s: %w", run[0], err)
		}
		for _, c := range run {
			delete(t.dirty, c)
		}
		written += len(run)
		start = end
	}
	t.flushed += uint64(written)
	return written, nil
}

// Flushed is the total number of entries uploaded over the table's lifetime.
func (t *Table) Flushed() uint64 {
	return t.flushed
}

func (t *Table) Texture() gpu.Texture {
	return t.tex
}

func (t *Table) Release() {
	if t.tex != nil {
		t.tex.Release()
		t.tex = nil
	}
}
