// Package uf2 reads and writes the UF2 container the neuron's mass-storage
// bootloader accepts as a firmware file.
package uf2

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	BlockSize   = 512
	PayloadSize = 256

	magicStart0 = 0x0A324655 // "UF2\n"
	magicStart1 = 0x9E5D5157
	magicEnd    = 0x0AB16F30

	flagFamilyIDPresent = 0x00002000

	// maxPayload is the data area of a block; PayloadSize is what we write.
	maxPayload = 476

	// maxImage guards Decode against a corrupt address range.
	maxImage = 4 * 1024 * 1024
)

// FamilyRP2040 is the family id of the neuron's RP2040.
const FamilyRP2040 = 0xE48BFF56

var (
	ErrNotUF2   = errors.New("not a UF2 image")
	ErrBadBlock = errors.New("invalid UF2 block")
)

// header is the fixed 32-byte start of every block.
type header struct {
	Magic0      uint32
	Magic1      uint32
	Flags       uint32
	TargetAddr  uint32
	PayloadSize uint32
	BlockNo     uint32
	NumBlocks   uint32
	FamilyID    uint32
}

// IsUF2 reports whether data looks like a UF2 file: a whole number of blocks
// whose first block carries both start magics and the end magic.
func IsUF2(data []byte) bool {
	if len(data) < BlockSize || len(data)%BlockSize != 0 {
		return false
	}
	return binary.LittleEndian.Uint32(data[0:4]) == magicStart0 &&
		binary.LittleEndian.Uint32(data[4:8]) == magicStart1 &&
		binary.LittleEndian.Uint32(data[BlockSize-4:BlockSize]) == magicEnd
}

// Encode wraps a raw image, to be flashed at baseAddr, into UF2 blocks.
func Encode(bin []byte, baseAddr, familyID uint32) []byte {
	numBlocks := (len(bin) + PayloadSize - 1) / PayloadSize
	buf := new(bytes.Buffer)
	buf.Grow(numBlocks * BlockSize)

	var flags uint32
	if familyID != 0 {
		flags |= flagFamilyIDPresent
	}

	for i := 0; i < numBlocks; i++ {
		start := i * PayloadSize
		end := start + PayloadSize
		if end > len(bin) {
			end = len(bin)
		}

		h := header{
			Magic0:      magicStart0,
			Magic1:      magicStart1,
			Flags:       flags,
			TargetAddr:  baseAddr + uint32(start),
			PayloadSize: PayloadSize,
			BlockNo:     uint32(i),
			NumBlocks:   uint32(numBlocks),
			FamilyID:    familyID,
		}
		binary.Write(buf, binary.LittleEndian, h)

		var data [maxPayload]byte
		copy(data[:], bin[start:end])
		buf.Write(data[:])

		binary.Write(buf, binary.LittleEndian, uint32(magicEnd))
	}
	return buf.Bytes()
}

// Decode extracts the raw image and the address of its first byte. Gaps
// between blocks are zero-filled.
func Decode(data []byte) ([]byte, uint32, error) {
	if !IsUF2(data) {
		return nil, 0, ErrNotUF2
	}

	numBlocks := len(data) / BlockSize
	headers := make([]header, numBlocks)
	var minAddr, maxAddr uint32 = 0xFFFFFFFF, 0

	for i := 0; i < numBlocks; i++ {
		block := data[i*BlockSize : (i+1)*BlockSize]
		h := &headers[i]
		if err := binary.Read(bytes.NewReader(block[:32]), binary.LittleEndian, h); err != nil {
			return nil, 0, fmt.Errorf("block %d: %w", i, err)
		}
		if h.Magic0 != magicStart0 || h.Magic1 != magicStart1 ||
			binary.LittleEndian.Uint32(block[BlockSize-4:]) != magicEnd {
			return nil, 0, fmt.Errorf("%w: block %d: bad magic", ErrBadBlock, i)
		}
		if h.PayloadSize > maxPayload {
			return nil, 0, fmt.Errorf("%w: block %d: payload size %d", ErrBadBlock, i, h.PayloadSize)
		}

		if h.TargetAddr < minAddr {
			minAddr = h.TargetAddr
		}
		if end := h.TargetAddr + h.PayloadSize; end > maxAddr {
			maxAddr = end
		}
	}

	size := maxAddr - minAddr
	if size > maxImage {
		return nil, 0, fmt.Errorf("%w: image spans %d bytes", ErrBadBlock, size)
	}

	out := make([]byte, size)
	for i, h := range headers {
		block := data[i*BlockSize : (i+1)*BlockSize]
		off := h.TargetAddr - minAddr
		copy(out[off:off+h.PayloadSize], block[32:32+h.PayloadSize])
	}
	return out, minAddr, nil
}
