package feedback

import (
	"fmt"

	"github.com/gekko3d/vtex/vt/core"
	"github.com/gekko3d/vtex/vt/gpu"
)

// DecodeStats counts what one readback contained.
type DecodeStats struct {
	Texels   int
	Cleared  int
	Foreign  int
	Invalid  int
	Requests int
}

// Decoder turns readbacks into request sets for one virtual texture.
type Decoder struct {
	Config core.Config
	ID     uint32
}

// Decode scans rb once for d's requests. Cleared texels, texels of other
// textures and coordinates outside the tile grid are skipped. Mips past the
// end of the chain fold onto the single-tile mip.
func (d Decoder) Decode(rb gpu.Readback) (*RequestSet, DecodeStats, error) {
	sets, st, err := Route(rb, map[uint32]Decoder{d.ID: d})
	if err != nil {
		return nil, st, err
	}
	return sets[d.ID], st, nil
}

// Route scans rb once and splits its requests by texture id, validating each
// against the decoder registered for that id. Every decoder gets a set, empty
// when the readback held nothing for it. Stats cover the whole readback.
func Route(rb gpu.Readback, decoders map[uint32]Decoder) (map[uint32]*RequestSet, DecodeStats, error) {
	var st DecodeStats
	rowBytes := int(rb.Width) * BytesPerTexel
	if int(rb.BytesPerRow) < rowBytes {
		return nil, st, fmt.Errorf("feedback readback row is %d bytes, need %d", rb.BytesPerRow, rowBytes)
	}
	if rb.Height > 0 && len(rb.Data) < int(rb.BytesPerRow)*int(rb.Height-1)+rowBytes {
		return nil, st, fmt.Errorf("feedback readback is %d bytes, short for %dx%d", len(rb.Data), rb.Width, rb.Height)
	}

	sets := make(map[uint32]*RequestSet, len(decoders))
	for id := range decoders {
		sets[id] = NewRequestSet()
	}
	for y := 0; y < int(rb.Height); y++ {
		row := rb.Data[y*int(rb.BytesPerRow):]
		for x := 0; x < int(rb.Width); x++ {
			st.Texels++
			coord, id, ok := DecodeTexel(row[x*BytesPerTexel:])
			if id == Sentinel {
				st.Cleared++
				continue
			}
			d, known := decoders[id]
			switch {
			case !known:
				st.Foreign++
			case !ok:
				st.Invalid++
			default:
				coord, err := d.Config.Normalize(coord)
				if err != nil {
					st.Invalid++
					continue
				}
				sets[id].Add(coord)
			}
		}
	}
	for _, set := range sets {
		st.Requests += set.Len()
	}
	return sets, st, nil
}
