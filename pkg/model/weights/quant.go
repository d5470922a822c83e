package weights

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"

	"github.com/MrWong99/murmur/pkg/model"
)

// BlockSize is the number of weights sharing one scale in the quantized
// formats.
const BlockSize = 32

// Block byte sizes: a float16 scale followed by the packed values.
const (
	q4BlockBytes = 2 + BlockSize/2
	q8BlockBytes = 2 + BlockSize
)

// rowBytes returns the encoded size of one row of cols values.
func rowBytes(q model.Quantization, cols int) int {
	switch q {
	case model.Q4_0:
		return cols / BlockSize * q4BlockBytes
	case model.Q8_0:
		return cols / BlockSize * q8BlockBytes
	default:
		return cols * 4
	}
}

// quantize encodes values (one or more complete rows) in q.
func quantize(q model.Quantization, values []float32) []byte {
	switch q {
	case model.Q4_0:
		return quantizeQ4(values)
	case model.Q8_0:
		return quantizeQ8(values)
	default:
		out := make([]byte, len(values)*4)
		for i, v := range values {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out
	}
}

// quantizeQ4 packs blocks of 32 values as a float16 scale d followed by 16
// bytes of 4-bit codes. The value with the largest magnitude maps to code 0,
// so d = max / -8 and x ≈ (code - 8) * d. Byte j holds value j in the low
// nibble and value j+16 in the high nibble.
func quantizeQ4(values []float32) []byte {
	out := make([]byte, 0, len(values)/BlockSize*q4BlockBytes)
	for b := 0; b+BlockSize <= len(values); b += BlockSize {
		blk := values[b : b+BlockSize]
		var amax, mx float32
		for _, v := range blk {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax, mx = a, v
			}
		}
		d := mx / -8
		var id float32
		if d != 0 {
			id = 1 / d
		}
		out = binary.LittleEndian.AppendUint16(out, float16.Fromfloat32(d).Bits())
		for j := range BlockSize / 2 {
			x0 := min(15, int8(blk[j]*id+8.5))
			x1 := min(15, int8(blk[j+BlockSize/2]*id+8.5))
			out = append(out, byte(x0)|byte(x1)<<4)
		}
	}
	return out
}

// quantizeQ8 packs blocks of 32 values as a float16 scale d = amax/127
// followed by 32 signed bytes.
func quantizeQ8(values []float32) []byte {
	out := make([]byte, 0, len(values)/BlockSize*q8BlockBytes)
	for b := 0; b+BlockSize <= len(values); b += BlockSize {
		blk := values[b : b+BlockSize]
		var amax float32
		for _, v := range blk {
			amax = max(amax, float32(math.Abs(float64(v))))
		}
		d := amax / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}
		out = binary.LittleEndian.AppendUint16(out, float16.Fromfloat32(d).Bits())
		for _, v := range blk {
			out = append(out, byte(int8(math.Round(float64(v*id)))))
		}
	}
	return out
}

// dequantQ4 expands one encoded block into dst[:BlockSize].
func dequantQ4(dst []float32, blk []byte) {
	d := float16.Frombits(binary.LittleEndian.Uint16(blk)).Float32()
	qs := blk[2:]
	for j := range BlockSize / 2 {
		dst[j] = float32(int(qs[j]&0x0f)-8) * d
		dst[j+BlockSize/2] = float32(int(qs[j]>>4)-8) * d
	}
}

// dequantQ8 expands one encoded block into dst[:BlockSize].
func dequantQ8(dst []float32, blk []byte) {
	d := float16.Frombits(binary.LittleEndian.Uint16(blk)).Float32()
	for j, q := range blk[2 : 2+BlockSize] {
		dst[j] = float32(int8(q)) * d
	}
}
