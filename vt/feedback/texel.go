// Package feedback decodes the low resolution feedback target the scene
// render writes tile requests into, and owns that target's clear and
// readback cycle.
//
// Each feedback texel is RGBA32Uint {x, y, mip, id}. Cleared texels hold
// Sentinel in every channel.
package feedback

import (
	"encoding/binary"

	"github.com/gekko3d/vtex/vt/core"
)

const (
	Sentinel      uint32 = 0xFFFFFFFF
	BytesPerTexel        = 16
)

var clearTexel = func() []byte {
	b := make([]byte, BytesPerTexel)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}()

// ClearTexel is the encoded sentinel texel.
func ClearTexel() []byte {
	out := make([]byte, BytesPerTexel)
	copy(out, clearTexel)
	return out
}

// EncodeTexel writes the request for coord by the texture with the given id.
func EncodeTexel(dst []byte, coord core.TileCoord, id uint32) {
	binary.LittleEndian.PutUint32(dst[0:], coord.X)
	binary.LittleEndian.PutUint32(dst[4:], coord.Y)
	binary.LittleEndian.PutUint32(dst[8:], uint32(coord.Mip))
	binary.LittleEndian.PutUint32(dst[12:], id)
}

// DecodeTexel is the inverse of EncodeTexel. ok is false for cleared texels
// and for mips that cannot be a tile coordinate.
func DecodeTexel(src []byte) (coord core.TileCoord, id uint32, ok bool) {
	x := binary.LittleEndian.Uint32(src[0:])
	y := binary.LittleEndian.Uint32(src[4:])
	mip := binary.LittleEndian.Uint32(src[8:])
	id = binary.LittleEndian.Uint32(src[12:])
	if id == Sentinel || mip > core.MaxSupportedMip {
		return core.TileCoord{}, id, false
	}
	return core.TileCoord{X: x, Y: y, Mip: uint8(mip)}, id, true
}
