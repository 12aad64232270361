package source

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/gekko3d/vtex/vt/core"
	"github.com/golang/snappy"
	"golang.org/x/exp/slices"
)

// Packed tile file layout, little endian:
//
//	header   magic "vimg", version u16, reserved u16, tile size u32,
//	         logical width u32, logical height u32, mip levels u32,
//	         index offset u64
//	body     tile payloads, each one encoding byte followed by data
//	index    entry count u32, then {x u32, y u32, mip u32, offset u64, length u32}
//
// Payload encodings: 'u' a single RGBA texel repeated over the tile, 'z'
// snappy compressed pixels, 'd' raw pixels.
const (
	packedVersion   = 1
	headerSize      = 32
	indexEntrySize  = 24
	encodingUniform = 'u'
	encodingSnappy  = 'z'
	encodingRaw     = 'd'
	bytesPerPixel   = 4
	maxPackedMips   = core.MaxSupportedMip + 1
)

var magic = [4]byte{'v', 'i', 'm', 'g'}

type span struct {
	offset uint64
	length uint32
}

type header struct {
	tileSize    uint32
	width       uint32
	height      uint32
	mipLevels   uint32
	indexOffset uint64
}

func (h header) encode() []byte {
	b := make([]byte, headerSize)
	copy(b, magic[:])
	binary.LittleEndian.PutUint16(b[4:], packedVersion)
	binary.LittleEndian.PutUint32(b[8:], h.tileSize)
	binary.LittleEndian.PutUint32(b[12:], h.width)
	binary.LittleEndian.PutUint32(b[16:], h.height)
	binary.LittleEndian.PutUint32(b[20:], h.mipLevels)
	binary.LittleEndian.PutUint64(b[24:], h.indexOffset)
	return b
}

func decodeHeader(b []byte) (header, error) {
	if len(b) < headerSize || [4]byte(b[:4]) != magic {
		return header{}, ErrBadMagic
	}
	if v := binary.LittleEndian.Uint16(b[4:]); v != packedVersion {
		return header{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	h := header{
		tileSize:    binary.LittleEndian.Uint32(b[8:]),
		width:       binary.LittleEndian.Uint32(b[12:]),
		height:      binary.LittleEndian.Uint32(b[16:]),
		mipLevels:   binary.LittleEndian.Uint32(b[20:]),
		indexOffset: binary.LittleEndian.Uint64(b[24:]),
	}
	if h.tileSize == 0 || h.mipLevels == 0 || h.mipLevels > maxPackedMips {
		return header{}, fmt.Errorf("%w: bad header %+v", ErrCorrupt, h)
	}
	return h, nil
}

func encodeTile(pixels []byte) []byte {
	uniform := true
	for i := bytesPerPixel; i < len(pixels); i += bytesPerPixel {
		if [4]byte(pixels[i:]) != [4]byte(pixels) {
			uniform = false
			break
		}
	}
	if uniform {
		out := make([]byte, 1+bytesPerPixel)
		out[0] = encodingUniform
		copy(out[1:], pixels)
		return out
	}

	z := snappy.Encode(nil, pixels)
	if len(z) >= len(pixels) {
		out := make([]byte, 1+len(pixels))
		out[0] = encodingRaw
		copy(out[1:], pixels)
		return out
	}
	out := make([]byte, 1+len(z))
	out[0] = encodingSnappy
	copy(out[1:], z)
	return out
}

func decodeTile(payload []byte, size int) ([]byte, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty payload", ErrCorrupt)
	}
	data := payload[1:]
	switch payload[0] {
	case encodingUniform:
		if len(data) != bytesPerPixel {
			return nil, fmt.Errorf("%w: uniform tile has %d bytes", ErrCorrupt, len(data))
		}
		out := make([]byte, size)
		for i := 0; i < size; i += bytesPerPixel {
			copy(out[i:], data)
		}
		return out, nil
	case encodingSnappy:
		n, err := snappy.DecodedLen(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if n != size {
			return nil, fmt.Errorf("%w: tile decodes to %d bytes, want %d", ErrCorrupt, n, size)
		}
		out, err := snappy.Decode(make([]byte, n), data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return out, nil
	case encodingRaw:
		if len(data) != size {
			return nil, fmt.Errorf("%w: raw tile is %d bytes, want %d", ErrCorrupt, len(data), size)
		}
		out := make([]byte, size)
		copy(out, data)
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown tile encoding %q", ErrCorrupt, payload[0])
}

// Writer streams tiles into a packed tile file. Tiles may be written in any
// order; Finalize appends the index and patches the header.
type Writer struct {
	w      io.WriteSeeker
	closer io.Closer
	hdr    header
	offset uint64
	index  map[core.TileCoord]span
	done   bool
}

func NewWriter(w io.WriteSeeker, tileSize, width, height uint32) (*Writer, error) {
	if tileSize == 0 {
		return nil, fmt.Errorf("packed writer: zero tile size")
	}
	pw := &Writer{
		w:      w,
		hdr:    header{tileSize: tileSize, width: width, height: height},
		offset: headerSize,
		index:  make(map[core.TileCoord]span),
	}
	if _, err := w.Write(pw.hdr.encode()); err != nil {
		return nil, fmt.Errorf("failed to write packed header: %w", err)
	}
	return pw, nil
}

// Create opens path for writing. Finalize closes the file.
func Create(path string, tileSize, width, height uint32) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	w, err := NewWriter(f, tileSize, width, height)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// WriteTile appends one tile of tightly packed RGBA8 pixels.
func (w *Writer) WriteTile(coord core.TileCoord, pixels []byte) error {
	if w.done {
		return fmt.Errorf("packed writer: write after finalize")
	}
	if want := int(w.hdr.tileSize) * int(w.hdr.tileSize) * bytesPerPixel; len(pixels) != want {
		return fmt.Errorf("packed writer: tile %s is %d bytes, want %d", coord, len(pixels), want)
	}
	if _, ok := w.index[coord]; ok {
		return fmt.Errorf("packed writer: tile %s written twice", coord)
	}
	payload := encodeTile(pixels)
	if _, err := w.w.Write(payload); err != nil {
		return fmt.Errorf("failed to write tile %s: %w", coord, err)
	}
	w.index[coord] = span{offset: w.offset, length: uint32(len(payload))}
	w.offset += uint64(len(payload))
	if m := uint32(coord.Mip) + 1; m > w.hdr.mipLevels {
		w.hdr.mipLevels = m
	}
	return nil
}

func (w *Writer) Tiles() int {
	return len(w.index)
}

// Finalize writes the index, rewrites the header and closes the file if the
// writer owns it.
func (w *Writer) Finalize() error {
	if w.done {
		return nil
	}
	w.done = true

	coords := make([]core.TileCoord, 0, len(w.index))
	for c := range w.index {
		coords = append(coords, c)
	}
	slices.SortFunc(coords, core.Compare)

	idx := make([]byte, 4+len(coords)*indexEntrySize)
	binary.LittleEndian.PutUint32(idx, uint32(len(coords)))
	for i, c := range coords {
		e := idx[4+i*indexEntrySize:]
		s := w.index[c]
		binary.LittleEndian.PutUint32(e[0:], c.X)
		binary.LittleEndian.PutUint32(e[4:], c.Y)
		binary.LittleEndian.PutUint32(e[8:], uint32(c.Mip))
		binary.LittleEndian.PutUint64(e[12:], s.offset)
		binary.LittleEndian.PutUint32(e[20:], s.length)
	}
	if _, err := w.w.Write(idx); err != nil {
		return fmt.Errorf("failed to write packed index: %w", err)
	}

	w.hdr.indexOffset = w.offset
	if w.hdr.mipLevels == 0 {
		w.hdr.mipLevels = 1
	}
	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to packed header: %w", err)
	}
	if _, err := w.w.Write(w.hdr.encode()); err != nil {
		return fmt.Errorf("failed to write packed header: %w", err)
	}
	if w.closer != nil {
		if err := w.closer.Close(); err != nil {
			return fmt.Errorf("failed to close packed file: %w", err)
		}
	}
	return nil
}

// PackedFile serves tiles from a packed tile file. Tile is safe for
// concurrent use.
type PackedFile struct {
	r      io.ReaderAt
	closer io.Closer
	hdr    header
	index  map[core.TileCoord]span
	closed atomic.Bool
}

func Open(path string) (*PackedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	p, err := NewPackedFile(f, st.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	p.closer = f
	return p, nil
}

func NewPackedFile(r io.ReaderAt, size int64) (*PackedFile, error) {
	hb := make([]byte, headerSize)
	if _, err := r.ReadAt(hb, 0); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrBadMagic
		}
		return nil, err
	}
	hdr, err := decodeHeader(hb)
	if err != nil {
		return nil, err
	}
	if hdr.indexOffset < headerSize || int64(hdr.indexOffset)+4 > size {
		return nil, fmt.Errorf("%w: index offset %d outside %d byte file", ErrCorrupt, hdr.indexOffset, size)
	}

	var cb [4]byte
	if _, err := r.ReadAt(cb[:], int64(hdr.indexOffset)); err != nil {
		return nil, fmt.Errorf("%w: index: %v", ErrCorrupt, err)
	}
	count := binary.LittleEndian.Uint32(cb[:])
	if int64(hdr.indexOffset)+4+int64(count)*indexEntrySize > size {
		return nil, fmt.Errorf("%w: %d index entries overrun the file", ErrCorrupt, count)
	}
	idx := make([]byte, int(count)*indexEntrySize)
	if _, err := r.ReadAt(idx, int64(hdr.indexOffset)+4); err != nil {
		return nil, fmt.Errorf("%w: index: %v", ErrCorrupt, err)
	}

	p := &PackedFile{r: r, hdr: hdr, index: make(map[core.TileCoord]span, count)}
	for i := 0; i < int(count); i++ {
		e := idx[i*indexEntrySize:]
		mip := binary.LittleEndian.Uint32(e[8:])
		if mip >= hdr.mipLevels {
			return nil, fmt.Errorf("%w: index entry %d has mip %d of %d", ErrCorrupt, i, mip, hdr.mipLevels)
		}
		c := core.TileCoord{
			X:   binary.LittleEndian.Uint32(e[0:]),
			Y:   binary.LittleEndian.Uint32(e[4:]),
			Mip: uint8(mip),
		}
		s := span{offset: binary.LittleEndian.Uint64(e[12:]), length: binary.LittleEndian.Uint32(e[20:])}
		if s.offset < headerSize || s.offset+uint64(s.length) > hdr.indexOffset {
			return nil, fmt.Errorf("%w: tile %s span outside body", ErrCorrupt, c)
		}
		p.index[c] = s
	}
	return p, nil
}

func (p *PackedFile) Tile(coord core.TileCoord) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	s, ok := p.index[coord]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTileNotCovered, coord)
	}
	payload := make([]byte, s.length)
	if _, err := p.r.ReadAt(payload, int64(s.offset)); err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", coord, err)
	}
	size := int(p.hdr.tileSize) * int(p.hdr.tileSize) * bytesPerPixel
	pixels, err := decodeTile(payload, size)
	if err != nil {
		return nil, fmt.Errorf("tile %s: %w", coord, err)
	}
	return pixels, nil
}

func (p *PackedFile) LogicalSize() (uint32, uint32) {
	return p.hdr.width, p.hdr.height
}

func (p *PackedFile) TileSize() uint32 {
	return p.hdr.tileSize
}

func (p *PackedFile) MipLevels() uint32 {
	return p.hdr.mipLevels
}

// Len is the number of tiles in the file.
func (p *PackedFile) Len() int {
	return len(p.index)
}

func (p *PackedFile) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}
