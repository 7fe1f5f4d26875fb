package oto

import (
	"encoding/binary"
	"math"
)

// encodeFloat32LE writes src to dst as little-endian float32 samples; dst must
// have room for 4*len(src) bytes. Non-finite samples are written as silence.
func encodeFloat32LE(dst []byte, src []float32) {
	for i, v := range src {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			v = 0
		}
		binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(v))
	}
}
