// Package planner splits a file into multipart upload parts within the
// object store's limits.
package planner

import "github.com/molpadia/molpadrive/internal/apperr"

const (
	MinChunkSize int64 = 5 << 20
	MaxChunkSize int64 = 5 << 30
	MaxPartCount int64 = 10000

	MaxSupportedSize = MaxChunkSize * MaxPartCount
)

type Strategy string

const (
	SingleChunk Strategy = "single-chunk"
	Multipart   Strategy = "multipart"
)

// Plan is the part layout of a file. It is derived from the file size alone.
type Plan struct {
	FileSize  int64    `json:"fileSize"`
	ChunkSize int64    `json:"chunkSize"`
	NumChunks int64    `json:"numChunks"`
	Strategy  Strategy `json:"strategy"`
}

// Compute returns the plan for a file of the given size.
func Compute(fileSize int64) (Plan, error) {
	if fileSize <= 0 {
		return Plan{}, apperr.Validation("file size must be positive")
	}
	if fileSize > MaxSupportedSize {
		return Plan{}, apperr.SizeExceeded("file size %d exceeds the supported maximum of %d bytes", fileSize, MaxSupportedSize)
	}
	if fileSize < MinChunkSize {
		return Plan{FileSize: fileSize, ChunkSize: fileSize, NumChunks: 1, Strategy: SingleChunk}, nil
	}

	chunkSize := clamp(ceilDiv(fileSize, targetChunks(fileSize)), MinChunkSize, MaxChunkSize)
	numChunks := ceilDiv(fileSize, chunkSize)
	if numChunks > MaxPartCount {
		chunkSize = ceilDiv(fileSize, MaxPartCount)
		if chunkSize > MaxChunkSize {
			return Plan{}, apperr.SizeExceeded("file size %d needs parts larger than %d bytes", fileSize, MaxChunkSize)
		}
		numChunks = ceilDiv(fileSize, chunkSize)
	}
	return Plan{FileSize: fileSize, ChunkSize: chunkSize, NumChunks: numChunks, Strategy: Multipart}, nil
}

// PartRange returns the byte offset and length of part n (1-based).
func (p Plan) PartRange(n int64) (offset, length int64) {
	if n < 1 || n > p.NumChunks {
		return 0, 0
	}
	offset = (n - 1) * p.ChunkSize
	length = p.ChunkSize
	if offset+length > p.FileSize {
		length = p.FileSize - offset
	}
	return offset, length
}

func targetChunks(fileSize int64) int64 {
	switch {
	case fileSize < 100<<20:
		return 20
	case fileSize < 10<<30:
		return 50
	default:
		return 100
	}
}

func ceilDiv(a, b int64) int64 { return (a + b - 1) / b }

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
