package rbpf

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Magic identifies a program container: the ASCII characters "rBPF" packed
// most-significant byte first. Written little-endian, the first four bytes
// of a container are therefore "FPBr".
const Magic uint32 = 0x72425046

// headerSize is the packed, on-wire size of Header (7 little-endian
// uint32 fields, no padding).
const headerSize = 7 * 4

// Header is the program container's fixed preamble, laid out exactly as
// described in spec.md §6: magic, version, flags, then the three section
// lengths and the function count.
type Header struct {
	Magic          uint32
	Version        uint32
	Flags          uint32
	DataLen        uint32
	RodataLen      uint32
	TextLen        uint32
	FunctionsCount uint32
}

// Container-level configuration flags, stored in Header.Flags. These are
// distinct from the runtime flags tracked on a VM instance (see vm.go);
// a freshly loaded container typically carries none of them set, except
// NoReturnFlag, which an assembler may bake in ahead of time.
const (
	NoReturnFlag uint32 = 0x0100
)

// ErrShortBuffer is returned when a blob is too small to contain the
// section it claims to hold.
var ErrShortBuffer = errors.New("rbpf: buffer too short for declared section length")

// ErrBadMagic is returned when a blob's magic number doesn't match Magic.
var ErrBadMagic = errors.New("rbpf: bad magic number")

// ParseHeader reads and validates the fixed preamble of blob. It does not
// validate section contents; Data, Rodata and Text check section bounds, and structural
// bytecode checks are preflight's job (spec.md §4.3).
func ParseHeader(blob []byte) (Header, error) {
	if len(blob) < headerSize {
		return Header{}, errors.Wrap(ErrShortBuffer, "container header")
	}
	h := Header{
		Magic:          binary.LittleEndian.Uint32(blob[0x00:]),
		Version:        binary.LittleEndian.Uint32(blob[0x04:]),
		Flags:          binary.LittleEndian.Uint32(blob[0x08:]),
		DataLen:        binary.LittleEndian.Uint32(blob[0x0C:]),
		RodataLen:      binary.LittleEndian.Uint32(blob[0x10:]),
		TextLen:        binary.LittleEndian.Uint32(blob[0x14:]),
		FunctionsCount: binary.LittleEndian.Uint32(blob[0x18:]),
	}
	if h.Magic != Magic {
		return Header{}, errors.Wrapf(ErrBadMagic, "got %#08x, want %#08x", h.Magic, Magic)
	}
	return h, nil
}

// Data returns the data section of blob. blob must already have passed
// ParseHeader.
func Data(blob []byte) ([]byte, error) {
	h, err := ParseHeader(blob)
	if err != nil {
		return nil, err
	}
	start := headerSize
	end := start + int(h.DataLen)
	if end > len(blob) {
		return nil, errors.Wrap(ErrShortBuffer, "data section")
	}
	return blob[start:end], nil
}

// Rodata returns the read-only data section of blob.
func Rodata(blob []byte) ([]byte, error) {
	h, err := ParseHeader(blob)
	if err != nil {
		return nil, err
	}
	start := headerSize + int(h.DataLen)
	end := start + int(h.RodataLen)
	if end > len(blob) {
		return nil, errors.Wrap(ErrShortBuffer, "rodata section")
	}
	return blob[start:end], nil
}

// Text returns the raw text section bytes of blob (a multiple of 8 bytes,
// enforced by preflight rather than here).
func Text(blob []byte) ([]byte, error) {
	h, err := ParseHeader(blob)
	if err != nil {
		return nil, err
	}
	start := headerSize + int(h.DataLen) + int(h.RodataLen)
	end := start + int(h.TextLen)
	if end > len(blob) {
		return nil, errors.Wrap(ErrShortBuffer, "text section")
	}
	return blob[start:end], nil
}

// Instructions decodes the text section of blob into individual
// Instruction values.
func Instructions(blob []byte) ([]Instruction, error) {
	text, err := Text(blob)
	if err != nil {
		return nil, err
	}
	return decodeText(text), nil
}

// Encode assembles a program container from a header template and the
// three section payloads. The header's length fields are overwritten to
// match the supplied slices; Magic is forced to Magic regardless of what
// the template carries. Encode performs no structural validation — that
// is preflight's job, run unconditionally by the CLI's "run" subcommand
// before Execute.
func Encode(h Header, data, rodata, text []byte) []byte {
	h.Magic = Magic
	h.DataLen = uint32(len(data))
	h.RodataLen = uint32(len(rodata))
	h.TextLen = uint32(len(text))

	blob := make([]byte, headerSize+len(data)+len(rodata)+len(text))
	binary.LittleEndian.PutUint32(blob[0x00:], h.Magic)
	binary.LittleEndian.PutUint32(blob[0x04:], h.Version)
	binary.LittleEndian.PutUint32(blob[0x08:], h.Flags)
	binary.LittleEndian.PutUint32(blob[0x0C:], h.DataLen)
	binary.LittleEndian.PutUint32(blob[0x10:], h.RodataLen)
	binary.LittleEndian.PutUint32(blob[0x14:], h.TextLen)
	binary.LittleEndian.PutUint32(blob[0x18:], h.FunctionsCount)

	off := headerSize
	off += copy(blob[off:], data)
	off += copy(blob[off:], rodata)
	copy(blob[off:], text)
	return blob
}

// EncodeInstructions is a convenience wrapper around Encode that takes
// already-decoded instructions instead of a raw text byte slice.
func EncodeInstructions(h Header, data, rodata []byte, instrs []Instruction) []byte {
	text := make([]byte, len(instrs)*instructionSize)
	for i, instr := range instrs {
		encodeInstruction(instr, text[i*instructionSize:])
	}
	return Encode(h, data, rodata, text)
}
