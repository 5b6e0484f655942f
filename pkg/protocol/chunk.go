package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// DefaultChunkSize is the plaintext size of every chunk but the last.
const DefaultChunkSize = 4096

// Chunker splits artifact bodies into fixed-size plaintext chunks.
type Chunker struct {
	size int
}

func NewChunker(size int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &Chunker{size: size}
}

func (c *Chunker) Size() int { return c.size }

// Count returns the number of chunks a body of n bytes produces.
func (c *Chunker) Count(n int) int {
	return (n + c.size - 1) / c.size
}

// Split divides data into chunks. The chunks alias data.
func (c *Chunker) Split(data []byte) [][]byte {
	chunks := make([][]byte, 0, c.Count(len(data)))
	for off := 0; off < len(data); off += c.size {
		end := off + c.size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

// Reassemble concatenates chunks in order.
func Reassemble(chunks [][]byte) []byte {
	var buf bytes.Buffer
	for _, ch := range chunks {
		buf.Write(ch)
	}
	return buf.Bytes()
}

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashReader hashes everything readable from r.
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
