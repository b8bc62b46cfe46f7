package postgres

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pgvector/pgvector-go"
)

// serializeVector encodes a float32 vector as little-endian bytes for the
// BYTEA embedding column. This canonical copy survives even when pgvector is
// unavailable.
func serializeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeVector decodes the BYTEA embedding column.
func deserializeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

// pgVector wraps a float32 slice for the pgvector column parameter.
func pgVector(vec []float32) pgvector.Vector {
	return pgvector.NewVector(vec)
}
