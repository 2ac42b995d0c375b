package gamedb

import (
	"encoding/binary"
	"math"

	"github.com/fenwick-ops/gamefleet/infrastructure/errors"
	"github.com/fenwick-ops/gamefleet/registry"
)

const (
	blobHeaderSize = 16

	// PropStackQuantity is the int-stat property id holding an item's
	// stack count.
	PropStackQuantity uint32 = 1

	// PropInstanceGUID is the int-stat property id that uniquely
	// identifies an item instance. It must never be copied across items:
	// doing so would let two items collide on the same identity.
	PropInstanceGUID uint32 = 22

	// PropSellMark is reserved by the marketplace sell protocol as a
	// per-attempt verification nonce.
	PropSellMark uint32 = 99999
)

// DecodedItem is an item data blob parsed into its template id and
// property maps.
type DecodedItem struct {
	TemplateID uint32
	IntStats   map[uint32]uint32
	FloatStats map[uint32]float32
}

// DecodeItemBlob parses the little-endian item data format: a fixed
// header, a template id, an int-property count and that many (id, value)
// pairs, then a float-property count and that many (id, value) pairs.
func DecodeItemBlob(data []byte) (*DecodedItem, error) {
	if len(data) < blobHeaderSize+8 {
		return nil, errors.Internal("item blob too short", nil)
	}
	r := &blobReader{data: data, offset: blobHeaderSize}

	templateID, err := r.readU32()
	if err != nil {
		return nil, err
	}

	intCount, err := r.readU32()
	if err != nil {
		return nil, err
	}
	intStats := make(map[uint32]uint32, intCount)
	for i := uint32(0); i < intCount; i++ {
		propID, err := r.readU32()
		if err != nil {
			return nil, err
		}
		value, err := r.readU32()
		if err != nil {
			return nil, err
		}
		intStats[propID] = value
	}

	floatCount, err := r.readU32()
	if err != nil {
		return nil, err
	}
	floatStats := make(map[uint32]float32, floatCount)
	for i := uint32(0); i < floatCount; i++ {
		propID, err := r.readU32()
		if err != nil {
			return nil, err
		}
		value, err := r.readF32()
		if err != nil {
			return nil, err
		}
		floatStats[propID] = value
	}

	return &DecodedItem{TemplateID: templateID, IntStats: intStats, FloatStats: floatStats}, nil
}

// DNA extracts the structured stat payload from a decoded item for use in
// a market listing, excluding per-instance identifiers (PropInstanceGUID)
// that must never be duplicated onto another item, and the sell protocol's
// own transient verification nonce (PropSellMark), which has no business
// being re-injected into a purchaser's copy of the item.
func (d *DecodedItem) DNA() registry.ItemDNA {
	intStats := make(map[uint32]uint32, len(d.IntStats))
	for id, v := range d.IntStats {
		if id == PropInstanceGUID || id == PropSellMark {
			continue
		}
		intStats[id] = v
	}
	floatStats := make(map[uint32]float32, len(d.FloatStats))
	for id, v := range d.FloatStats {
		floatStats[id] = v
	}
	return registry.ItemDNA{IntStats: intStats, FloatStats: floatStats}
}

type blobReader struct {
	data   []byte
	offset int
}

func (r *blobReader) readU32() (uint32, error) {
	if r.offset+4 > len(r.data) {
		return 0, errors.Internal("item blob truncated", nil)
	}
	v := binary.LittleEndian.Uint32(r.data[r.offset : r.offset+4])
	r.offset += 4
	return v, nil
}

func (r *blobReader) readF32() (float32, error) {
	v, err := r.readU32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}
