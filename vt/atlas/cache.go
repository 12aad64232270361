// Package atlas manages the fixed pool of tile slots in the physical atlas
// texture. It owns the page table: every slot occupant change goes through
// the cache so that the two stay consistent.
package atlas

import (
	"fmt"

	"github.com/gekko3d/vtex/vt/core"
	"github.com/gekko3d/vtex/vt/gpu"
	"github.com/gekko3d/vtex/vt/pagetable"
)

// Slot is one tile-sized region of the atlas.
type Slot struct {
	Index    uint32
	Occupant core.TileCoord
	Occupied bool
	LastUsed uint64
	Pinned   bool
}

// Protected is the set of coordinates that must not be evicted this frame.
type Protected interface {
	Contains(coord core.TileCoord) bool
}

type Stats struct {
	Slots     int
	Occupied  int
	Pinned    int
	Claims    uint64
	Evictions uint64
	Deferrals uint64
	Uploads   uint64
}

type Cache struct {
	cfg     core.Config
	surface gpu.Surface
	pages   *pagetable.Table
	tex     gpu.Texture

	slots   []Slot
	free    []uint32
	byCoord map[core.TileCoord]uint32

	claims    uint64
	evictions uint64
	deferrals uint64
	uploads   uint64
}

func New(cfg core.Config, surface gpu.Surface, pages *pagetable.Table, label string) (*Cache, error) {
	tex, err := surface.CreateTexture(gpu.TextureDescriptor{
		Label:     label,
		Width:     cfg.PhysicalTextureSize,
		Height:    cfg.PhysicalTextureSize,
		MipLevels: 1,
		Format:    gpu.FormatRGBA8Unorm,
		Usage:     gpu.UsageSampled | gpu.UsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create atlas texture: %w", err)
	}

	n := cfg.SlotCount()
	c := &Cache{
		cfg:     cfg,
		surface: surface,
		pages:   pages,
		tex:     tex,
		slots:   make([]Slot, n),
		free:    make([]uint32, 0, n),
		byCoord: make(map[core.TileCoord]uint32, n),
	}
	// Pushed in reverse so slot 0 is handed out first.
	for i := int(n) - 1; i >= 0; i-- {
		c.slots[i].Index = uint32(i)
		c.free = append(c.free, uint32(i))
	}
	return c, nil
}

// TryClaimFreeSlot pops an unoccupied slot off the free list.
func (c *Cache) TryClaimFreeSlot() (uint32, bool) {
	if len(c.free) == 0 {
		return 0, false
	}
	last := len(c.free) - 1
	slot := c.free[last]
	c.free = c.free[:last]
	return slot, true
}

// SelectEvictionVictim picks the least recently used occupied slot whose
// occupant is neither protected nor pinned. Ties go to the lowest index.
func (c *Cache) SelectEvictionVictim(protected Protected) (uint32, bool) {
	victim := -1
	for i := range c.slots {
		s := &c.slots[i]
		if !s.Occupied || s.Pinned {
			continue
		}
		if protected != nil && protected.Contains(s.Occupant) {
			continue
		}
		if victim < 0 || s.LastUsed < c.slots[victim].LastUsed {
			victim = i
		}
	}
	if victim < 0 {
		return 0, false
	}
	return uint32(victim), true
}

// ClaimSlotFor reserves a slot for coord, evicting if the atlas is full. The
// victim's page table entry is unbound immediately; coord itself is bound by
// the caller once its pixels are uploaded. A false result means every slot is
// protected and the tile has to wait for a later frame.
func (c *Cache) ClaimSlotFor(coord core.TileCoord, frame uint64, protected Protected) (uint32, bool) {
	if slot, ok := c.byCoord[coord]; ok {
		c.slots[slot].LastUsed = frame
		return slot, true
	}

	slot, ok := c.TryClaimFreeSlot()
	if !ok {
		slot, ok = c.SelectEvictionVictim(protected)
		if !ok {
			c.deferrals++
			return 0, false
		}
		old := c.slots[slot].Occupant
		c.pages.Unbind(old)
		delete(c.byCoord, old)
		c.evictions++
	}

	c.slots[slot] = Slot{
		Index:    slot,
		Occupant: coord,
		Occupied: true,
		LastUsed: frame,
	}
	c.byCoord[coord] = slot
	c.claims++
	return slot, true
}

// SlotOrigin is the top-left texel of slot in the atlas.
func (c *Cache) SlotOrigin(slot uint32) (uint32, uint32) {
	perRow := c.cfg.SlotsPerRow()
	return (slot % perRow) * c.cfg.TileSize, (slot / perRow) * c.cfg.TileSize
}

// Upload copies tightly packed RGBA8 tile pixels into slot.
func (c *Cache) Upload(slot uint32, pixels []byte) error {
	if slot >= uint32(len(c.slots)) {
		return fmt.Errorf("upload: slot %d out of range", slot)
	}
	ts := c.cfg.TileSize
	if want := int(ts) * int(ts) * 4; len(pixels) != want {
		return fmt.Errorf("upload slot %d: tile is %d bytes, want %d", slot, len(pixels), want)
	}
	x, y := c.SlotOrigin(slot)
	region := gpu.Region{X: x, Y: y, Width: ts, Height: ts}
	if err := c.surface.WriteTexture(c.tex, region, pixels, ts*4); err != nil {
		return fmt.Errorf("failed to upload slot %d: %w", slot, err)
	}
	c.uploads++
	return nil
}

// Touch marks a resident tile as used in frame, in both the slot and the
// page table.
func (c *Cache) Touch(coord core.TileCoord, frame uint64) bool {
	slot, ok := c.byCoord[coord]
	if !ok {
		return false
	}
	c.slots[slot].LastUsed = frame
	c.pages.Touch(coord, frame)
	return true
}

// Pin keeps the slot holding coord out of eviction until Unpin.
func (c *Cache) Pin(coord core.TileCoord) bool {
	slot, ok := c.byCoord[coord]
	if !ok {
		return false
	}
	c.slots[slot].Pinned = true
	return true
}

func (c *Cache) Unpin(coord core.TileCoord) bool {
	slot, ok := c.byCoord[coord]
	if !ok {
		return false
	}
	c.slots[slot].Pinned = false
	return true
}

// ReleaseSlot empties slot, unbinding its occupant, and returns it to the
// free list.
func (c *Cache) ReleaseSlot(slot uint32) {
	if slot >= uint32(len(c.slots)) || !c.slots[slot].Occupied {
		return
	}
	old := c.slots[slot].Occupant
	c.pages.Unbind(old)
	delete(c.byCoord, old)
	c.slots[slot] = Slot{Index: slot}
	c.free = append(c.free, slot)
}

// Resident returns the slot occupied by coord.
func (c *Cache) Resident(coord core.TileCoord) (uint32, bool) {
	slot, ok := c.byCoord[coord]
	return slot, ok
}

func (c *Cache) Slot(slot uint32) Slot {
	if slot >= uint32(len(c.slots)) {
		return Slot{}
	}
	return c.slots[slot]
}

// CheckConsistency verifies that slot occupants and resident page table
// entries describe the same bijection. It returns the first mismatch.
func (c *Cache) CheckConsistency() error {
	occupied := 0
	for i := range c.slots {
		s := c.slots[i]
		if !s.Occupied {
			continue
		}
		occupied++
		got, ok := c.pages.Lookup(s.Occupant)
		if !ok {
			return fmt.Errorf("slot %d holds %s but the page table has it unmapped", s.Index, s.Occupant)
		}
		if got != s.Index {
			return fmt.Errorf("slot %d holds %s but the page table maps it to slot %d", s.Index, s.Occupant, got)
		}
		if idx, ok := c.byCoord[s.Occupant]; !ok || idx != s.Index {
			return fmt.Errorf("slot %d holds %s but the occupant index disagrees", s.Index, s.Occupant)
		}
	}

	var err error
	c.pages.ForEachResident(func(coord core.TileCoord, e pagetable.Entry) {
		if err != nil {
			return
		}
		s := c.Slot(e.Slot)
		if !s.Occupied || s.Occupant != coord {
			err = fmt.Errorf("page table maps %s to slot %d which holds %s (occupied=%v)", coord, e.Slot, s.Occupant, s.Occupied)
		}
	})
	if err != nil {
		return err
	}
	if n := c.pages.Resident(); n != occupied {
		return fmt.Errorf("%d resident page table entries for %d occupied slots", n, occupied)
	}
	if occupied+len(c.free) != len(c.slots) {
		return fmt.Errorf("%d occupied + %d free slots != %d", occupied, len(c.free), len(c.slots))
	}
	return nil
}

func (c *Cache) Stats() Stats {
	st := Stats{
		Slots:     len(c.slots),
		Claims:    c.claims,
		Evictions: c.evictions,
		Deferrals: c.deferrals,
		Uploads:   c.uploads,
	}
	for i := range c.slots {
		if c.slots[i].Occupied {
			st.Occupied++
		}
		if c.slots[i].Pinned {
			st.Pinned++
		}
	}
	return st
}

func (c *Cache) Pages() *pagetable.Table {
	return c.pages
}

func (c *Cache) Texture() gpu.Texture {
	return c.tex
}

func (c *Cache) Release() {
	if c.tex != nil {
		c.tex.Release()
		c.tex = nil
	}
}
