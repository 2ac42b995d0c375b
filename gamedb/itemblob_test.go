package gamedb

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildBlob(templateID uint32, intStats map[uint32]uint32, floatStats map[uint32]float32) []byte {
	buf := make([]byte, blobHeaderSize)

	put32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}

	put32(templateID)
	put32(uint32(len(intStats)))
	for id, v := range intStats {
		put32(id)
		put32(v)
	}
	put32(uint32(len(floatStats)))
	for id, v := range floatStats {
		put32(id)
		put32(math.Float32bits(v))
	}
	return buf
}

func TestDecodeItemBlobRoundTrip(t *testing.T) {
	blob := buildBlob(999, map[uint32]uint32{1: 17, 22: 555}, map[uint32]float32{40: 1.5})

	decoded, err := DecodeItemBlob(blob)
	require.NoError(t, err)

	assert.Equal(t, uint32(999), decoded.TemplateID)
	assert.Equal(t, uint32(17), decoded.IntStats[PropStackQuantity])
	assert.Equal(t, uint32(555), decoded.IntStats[PropInstanceGUID])
	assert.InDelta(t, float32(1.5), decoded.FloatStats[40], 0.0001)
}

func TestDNAExcludesInstanceGUID(t *testing.T) {
	decoded := &DecodedItem{
		TemplateID: 1,
		IntStats:   map[uint32]uint32{1: 10, 22: 999},
		FloatStats: map[uint32]float32{5: 2.0},
	}

	dna := decoded.DNA()
	_, hasGUID := dna.IntStats[PropInstanceGUID]
	assert.False(t, hasGUID, "instance GUID must never be copied into listing DNA")
	assert.Equal(t, uint32(10), dna.IntStats[1])
	assert.Equal(t, float32(2.0), dna.FloatStats[5])
}

func TestDNAExcludesSellMark(t *testing.T) {
	decoded := &DecodedItem{
		TemplateID: 1,
		IntStats:   map[uint32]uint32{1: 10, PropSellMark: 424242},
	}

	dna := decoded.DNA()
	_, hasMark := dna.IntStats[PropSellMark]
	assert.False(t, hasMark, "the sell protocol's verification nonce must never reach a purchaser's copy")
	assert.Equal(t, uint32(10), dna.IntStats[1])
}

func TestDecodeItemBlobTooShort(t *testing.T) {
	_, err := DecodeItemBlob([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecodeItemBlobSellMark(t *testing.T) {
	blob := buildBlob(999, map[uint32]uint32{PropSellMark: 424242}, nil)

	decoded, err := DecodeItemBlob(blob)
	require.NoError(t, err)
	assert.Equal(t, uint32(424242), decoded.IntStats[PropSellMark])
}
