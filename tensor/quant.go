package tensor

import (
	"fmt"

	"github.com/x448/float16"
)

// Scheme tags a QuantizedTensor's storage format. Values line up with
// the SMQ on-disk scheme tag (spec.md §6) so the loader can cast
// directly; F16 is carried as a sixth scheme alongside spec.md §3's
// five so the loader's F16 tag has a home without a load-time dequant
// copy (DequantRow decodes F16 rows on the fly, so kernel.MatMulFused
// reads F16 weights without an F32 copy of the whole matrix).
type Scheme uint32

const (
	SchemeF32 Scheme = 0
	SchemeF16 Scheme = 1
	SchemeQ8  Scheme = 2
	SchemeQ4  Scheme = 3
	SchemeQ4_1 Scheme = 4
	SchemeQ4K Scheme = 5
)

func (s Scheme) String() string {
	switch s {
	case SchemeF32:
		return "F32"
	case SchemeF16:
		return "F16"
	case SchemeQ8:
		return "Q8"
	case SchemeQ4:
		return "Q4"
	case SchemeQ4_1:
		return "Q4_1"
	case SchemeQ4K:
		return "Q4_K"
	default:
		return fmt.Sprintf("Scheme(%d)", uint32(s))
	}
}

// Q4SuperBlock is the Q4_K super-block element count (spec.md §3/glossary).
const Q4SuperBlock = 256

// q4kSubBlocks is the number of 32-element sub-blocks inside one Q4_K
// super-block.
const q4kSubBlocks = 8

// Q4KBytesPerSuperBlock is the fixed 144-byte encoding of one Q4_K
// super-block: 2 (d, f16) + 2 (dmin, f16) + 12 (packed 6-bit sub-scales
// and sub-mins) + 128 (packed 4-bit quants for 256 values).
const Q4KBytesPerSuperBlock = 144

// QuantizedTensor is the read-only, tagged-union weight representation
// described in spec.md §3. Exactly one of the scheme-specific fields is
// meaningful, selected by Scheme. All byte/scale slices are borrows;
// QuantizedTensor never copies the backing store, so slices taken from
// a Store stay valid for the Store's lifetime (spec.md §4.A).
type QuantizedTensor struct {
	Scheme Scheme
	Rows   int
	Cols   int

	// BlockSize is the element count sharing one scale (0 for F32/F16).
	BlockSize int

	// F32Data is valid only for SchemeF32.
	F32Data []float32
	// F16Data is valid only for SchemeF16: raw little-endian fp16 bytes,
	// 2 bytes per element, row-major.
	F16Data []byte

	// Packed holds the quantized payload for Q8/Q4/Q4_1/Q4_K:
	//   Q8:    1 byte per element (int8)
	//   Q4:    1 byte per 2 elements (nibble pair, low-then-high)
	//   Q4_1:  1 byte per 2 elements (nibble pair, low-then-high)
	//   Q4_K:  Q4KBytesPerSuperBlock bytes per 256-element super-block
	Packed []byte

	// Scales holds one f32 per block for Q8/Q4/Q4_1. Unused for Q4_K,
	// whose per-super-block d/dmin live inside Packed.
	Scales []float32
	// Mins holds one f32 per block, Q4_1 only.
	Mins []float32
}

// ExpectedPackedLen returns the number of Packed bytes a QuantizedTensor
// of this scheme/shape/block size must have, per spec.md §3's
// "data.len == expected_from_shape_and_scheme" invariant.
func ExpectedPackedLen(scheme Scheme, rows, cols, blockSize int) (int, error) {
	n := rows * cols
	switch scheme {
	case SchemeQ8:
		return n, nil
	case SchemeQ4, SchemeQ4_1:
		return (n + 1) / 2, nil
	case SchemeQ4K:
		if n%Q4SuperBlock != 0 {
			return 0, fmt.Errorf("tensor: Q4_K element count %d not a multiple of %d", n, Q4SuperBlock)
		}
		return (n / Q4SuperBlock) * Q4KBytesPerSuperBlock, nil
	default:
		return 0, fmt.Errorf("tensor: scheme %s has no packed representation", scheme)
	}
}

// ExpectedBlockCount returns ceil(rows*cols / blockSize), the required
// Scales (and Mins, for Q4_1) length.
func ExpectedBlockCount(rows, cols, blockSize int) (int, error) {
	if blockSize <= 0 {
		return 0, fmt.Errorf("tensor: block size must be positive, got %d", blockSize)
	}
	n := rows * cols
	return (n + blockSize - 1) / blockSize, nil
}

// Validate checks every invariant spec.md §3 states for quantized forms.
func (q *QuantizedTensor) Validate() error {
	if q.Rows <= 0 || q.Cols <= 0 {
		return fmt.Errorf("tensor: non-positive shape (%d,%d)", q.Rows, q.Cols)
	}
	n := q.Rows * q.Cols
	switch q.Scheme {
	case SchemeF32:
		if len(q.F32Data) != n {
			return fmt.Errorf("tensor: F32 data len %d != %d", len(q.F32Data), n)
		}
	case SchemeF16:
		if len(q.F16Data) != n*2 {
			return fmt.Errorf("tensor: F16 data len %d != %d", len(q.F16Data), n*2)
		}
	case SchemeQ8, SchemeQ4, SchemeQ4_1, SchemeQ4K:
		if q.BlockSize <= 0 {
			return fmt.Errorf("tensor: %s requires positive block_size", q.Scheme)
		}
		wantPacked, err := ExpectedPackedLen(q.Scheme, q.Rows, q.Cols, q.BlockSize)
		if err != nil {
			return err
		}
		if len(q.Packed) != wantPacked {
			return fmt.Errorf("tensor: %s packed len %d != expected %d", q.Scheme, len(q.Packed), wantPacked)
		}
		if q.Scheme != SchemeQ4K {
			wantBlocks, err := ExpectedBlockCount(q.Rows, q.Cols, q.BlockSize)
			if err != nil {
				return err
			}
			if len(q.Scales) != wantBlocks {
				return fmt.Errorf("tensor: %s scales len %d != expected %d", q.Scheme, len(q.Scales), wantBlocks)
			}
			if q.Scheme == SchemeQ4_1 && len(q.Mins) != wantBlocks {
				return fmt.Errorf("tensor: Q4_1 mins len %d != expected %d", len(q.Mins), wantBlocks)
			}
		}
	default:
		return fmt.Errorf("tensor: unknown scheme tag %d", uint32(q.Scheme))
	}
	return nil
}

// DequantQ4Block dequantizes one BlockSize-wide Q4 block (symmetric,
// spec.md §3: x = (nibble-8)*scale) into out, which must have len ==
// blockSize. packed must hold ceil(blockSize/2) bytes, low nibble first.
func DequantQ4Block(packed []byte, scale float32, out []float32) {
	half := len(out) / 2
	for j := 0; j < half; j++ {
		b := packed[j]
		out[j] = float32(int(b&0x0F)-8) * scale
		out[j+half] = float32(int(b>>4)-8) * scale
	}
}

// DequantQ4_1Block dequantizes one asymmetric Q4_1 block (spec.md §3:
// x = nibble*scale + min).
func DequantQ4_1Block(packed []byte, scale, min float32, out []float32) {
	half := len(out) / 2
	for j := 0; j < half; j++ {
		b := packed[j]
		out[j] = float32(int(b&0x0F))*scale + min
		out[j+half] = float32(int(b>>4))*scale + min
	}
}

// DequantQ8Block dequantizes one Q8 block (spec.md §3: x = q*scale).
func DequantQ8Block(packed []byte, scale float32, out []float32) {
	for j, b := range packed {
		out[j] = float32(int8(b)) * scale
	}
}

// q4kSubScalesAndMins unpacks the 12-byte header encoding 8x6-bit
// sub-scales and 8x6-bit sub-mins (spec.md §3 Q4_K/glossary). This is
// the same "pairs of 6-bit fields packed across byte boundaries" layout
// ggml's Q4_K uses: bytes 0-3 hold sub-scales 0-3 and bytes 4-7 hold
// sub-mins 0-3 in their low 6 bits; the top 2 bits of those 8 bytes are
// the high 2 bits of sub-scales/sub-mins 4-7, whose low 4 bits sit in
// bytes 8-11 (scale in the low nibble, min in the high nibble).
func q4kSubScalesAndMins(header [12]byte) (scales, mins [q4kSubBlocks]uint8) {
	for i := 0; i < 4; i++ {
		scales[i] = header[i] & 0x3F
		mins[i] = header[i+4] & 0x3F
		scales[i+4] = (header[i+8] & 0x0F) | ((header[i] >> 6) << 4)
		mins[i+4] = (header[i+8] >> 4) | ((header[i+4] >> 6) << 4)
	}
	return
}

// DequantQ4KSuperBlock dequantizes one 144-byte Q4_K super-block (256
// values) into out.
func DequantQ4KSuperBlock(block []byte, out []float32) {
	d := float16.Frombits(uint16(block[0]) | uint16(block[1])<<8).Float32()
	dmin := float16.Frombits(uint16(block[2]) | uint16(block[3])<<8).Float32()

	var header [12]byte
	copy(header[:], block[4:16])
	subScales, subMins := q4kSubScalesAndMins(header)

	quants := block[16:Q4KBytesPerSuperBlock]
	for sb := 0; sb < q4kSubBlocks; sb++ {
		scale := d * float32(subScales[sb])
		min := dmin * float32(subMins[sb])
		base := sb * 32 / 2 // 16 packed bytes per 32-value sub-block
		packed := quants[base : base+16]
		outBase := sb * 32
		for j := 0; j < 16; j++ {
			b := packed[j]
			out[outBase+j] = scale*float32(b&0x0F) - min
			out[outBase+j+16] = scale*float32(b>>4) - min
		}
	}
}

// DequantRow dequantizes the cols-wide row r of q into out (len(out) ==
// q.Cols). Used by the embedding layer (spec.md §4.D), by the loader for
// norm vectors, and by kernel.MatMulFused, which calls it one weight row
// at a time so the full dequantized matrix is never materialized
// (spec.md §4.B.1).
func (q *QuantizedTensor) DequantRow(r int, out []float32) error {
	if r < 0 || r >= q.Rows {
		return fmt.Errorf("tensor: row %d out of range [0,%d)", r, q.Rows)
	}
	if len(out) != q.Cols {
		return fmt.Errorf("tensor: DequantRow out len %d != cols %d", len(out), q.Cols)
	}
	switch q.Scheme {
	case SchemeF32:
		copy(out, q.F32Data[r*q.Cols:(r+1)*q.Cols])
	case SchemeF16:
		off := r * q.Cols * 2
		for j := 0; j < q.Cols; j++ {
			h := uint16(q.F16Data[off+j*2]) | uint16(q.F16Data[off+j*2+1])<<8
			out[j] = float16.Frombits(h).Float32()
		}
	case SchemeQ8:
		blocksPerRow := q.Cols / q.BlockSize
		rowOff := r * blocksPerRow * q.BlockSize
		for b := 0; b < blocksPerRow; b++ {
			blk := q.Packed[rowOff+b*q.BlockSize : rowOff+(b+1)*q.BlockSize]
			scale := q.Scales[(r*q.Cols)/q.BlockSize+b]
			DequantQ8Block(blk, scale, out[b*q.BlockSize:(b+1)*q.BlockSize])
		}
	case SchemeQ4:
		blocksPerRow := q.Cols / q.BlockSize
		bytesPerBlock := q.BlockSize / 2
		rowOff := r * blocksPerRow * bytesPerBlock
		for b := 0; b < blocksPerRow; b++ {
			blk := q.Packed[rowOff+b*bytesPerBlock : rowOff+(b+1)*bytesPerBlock]
			scale := q.Scales[(r*q.Cols)/q.BlockSize+b]
			DequantQ4Block(blk, scale, out[b*q.BlockSize:(b+1)*q.BlockSize])
		}
	case SchemeQ4_1:
		blocksPerRow := q.Cols / q.BlockSize
		bytesPerBlock := q.BlockSize / 2
		rowOff := r * blocksPerRow * bytesPerBlock
		for b := 0; b < blocksPerRow; b++ {
			blk := q.Packed[rowOff+b*bytesPerBlock : rowOff+(b+1)*bytesPerBlock]
			idx := (r*q.Cols)/q.BlockSize + b
			DequantQ4_1Block(blk, q.Scales[idx], q.Mins[idx], out[b*q.BlockSize:(b+1)*q.BlockSize])
		}
	case SchemeQ4K:
		blocksPerRow := q.Cols / Q4SuperBlock
		rowOff := r * blocksPerRow * Q4KBytesPerSuperBlock
		for b := 0; b < blocksPerRow; b++ {
			blk := q.Packed[rowOff+b*Q4KBytesPerSuperBlock : rowOff+(b+1)*Q4KBytesPerSuperBlock]
			DequantQ4KSuperBlock(blk, out[b*Q4SuperBlock:(b+1)*Q4SuperBlock])
		}
	default:
		return fmt.Errorf("tensor: unknown scheme %s", q.Scheme)
	}
	return nil
}
