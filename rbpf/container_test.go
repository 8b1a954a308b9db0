package rbpf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeParseHeaderRoundTrip(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	rodata := []byte{5, 6}
	instrs := []Instruction{
		{Opcode: ClassALU64 | OpMOV<<4, Dst: 0, Immediate: 42},
		{Opcode: OpcodeEXIT},
	}

	blob := EncodeInstructions(Header{Version: 1, FunctionsCount: 0}, data, rodata, instrs)

	header, err := ParseHeader(blob)
	require.NoError(t, err)
	assert.Equal(t, Magic, header.Magic)
	assert.Equal(t, uint32(len(data)), header.DataLen)
	assert.Equal(t, uint32(len(rodata)), header.RodataLen)
	assert.Equal(t, uint32(len(instrs)*instructionSize), header.TextLen)

	gotData, err := Data(blob)
	require.NoError(t, err)
	assert.Equal(t, data, gotData)

	gotRodata, err := Rodata(blob)
	require.NoError(t, err)
	assert.Equal(t, rodata, gotRodata)

	gotInstrs, err := Instructions(blob)
	require.NoError(t, err)
	assert.Equal(t, instrs, gotInstrs)
}

func TestParseHeaderRejectsShortBuffer(t *testing.T) {
	_, err := ParseHeader([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	blob := EncodeInstructions(Header{}, nil, nil, nil)
	blob[0] ^= 0xFF
	_, err := ParseHeader(blob)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestSectionAccessorsRejectTruncatedBlob(t *testing.T) {
	blob := EncodeInstructions(Header{}, []byte{1, 2, 3, 4}, nil, nil)
	truncated := blob[:headerSize+2]

	_, err := Data(truncated)
	assert.ErrorIs(t, err, ErrShortBuffer)
}
