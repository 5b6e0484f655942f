package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"meshdeploy/pkg/seal"
	"meshdeploy/pkg/types"
)

var ErrMalformedInfo = errors.New("malformed artifact info")

// Info is the sealed header announcing an artifact.
type Info struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

func InfoFor(a types.Artifact) Info {
	return Info{Name: a.Name, Size: a.Size, Hash: a.Hash}
}

func (i Info) validate() error {
	if i.Name == "" {
		return fmt.Errorf("%w: empty name", ErrMalformedInfo)
	}
	if i.Size < 0 {
		return fmt.Errorf("%w: negative size", ErrMalformedInfo)
	}
	if sum, err := hex.DecodeString(i.Hash); err != nil || len(sum) != sha256.Size {
		return fmt.Errorf("%w: hash must be 64 hex characters", ErrMalformedInfo)
	}
	return nil
}

// EnvelopeWriter emits an artifact envelope frame by frame.
type EnvelopeWriter struct {
	w       io.Writer
	cipher  *seal.Cipher
	chunker *Chunker
}

func NewEnvelopeWriter(w io.Writer, cipher *seal.Cipher, chunkSize int) *EnvelopeWriter {
	return &EnvelopeWriter{w: w, cipher: cipher, chunker: NewChunker(chunkSize)}
}

func (e *EnvelopeWriter) WriteInfo(info Info) error {
	if err := info.validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode info: %w", err)
	}
	sealed, err := e.cipher.Seal(raw)
	if err != nil {
		return err
	}
	if len(sealed) > MaxInfoBlock {
		return fmt.Errorf("info block: %w", ErrFrameTooLarge)
	}
	return WriteFrame(e.w, sealed)
}

// WriteChunk seals one plaintext chunk. Empty chunks are rejected since a
// zero-length frame terminates the envelope.
func (e *EnvelopeWriter) WriteChunk(p []byte) error {
	if len(p) == 0 {
		return ErrEmptyFrame
	}
	sealed, err := e.cipher.Seal(p)
	if err != nil {
		return err
	}
	return WriteFrame(e.w, sealed)
}

// Close writes the end-of-stream sentinel.
func (e *EnvelopeWriter) Close() error {
	return WriteSentinel(e.w)
}

// WriteArtifact writes the whole envelope for a. progress, when non-nil, is
// called after every chunk.
func (e *EnvelopeWriter) WriteArtifact(a types.Artifact, progress func(sent, total int)) error {
	if err := e.WriteInfo(InfoFor(a)); err != nil {
		return err
	}
	chunks := e.chunker.Split(a.Data)
	for i, ch := range chunks {
		if err := e.WriteChunk(ch); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if progress != nil {
			progress(i+1, len(chunks))
		}
	}
	return e.Close()
}

// EnvelopeReader parses an envelope written by EnvelopeWriter.
type EnvelopeReader struct {
	r      io.Reader
	cipher *seal.Cipher
}

func NewEnvelopeReader(r io.Reader, cipher *seal.Cipher) *EnvelopeReader {
	return &EnvelopeReader{r: r, cipher: cipher}
}

func (e *EnvelopeReader) ReadInfo() (Info, error) {
	frame, err := ReadFrame(e.r, MaxInfoBlock)
	if err != nil {
		return Info{}, err
	}
	raw, err := e.cipher.Open(frame)
	if err != nil {
		return Info{}, fmt.Errorf("open info: %w", err)
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrMalformedInfo, err)
	}
	if err := info.validate(); err != nil {
		return Info{}, err
	}
	info.Hash = strings.ToLower(info.Hash)
	return info, nil
}

// ReadChunks opens frames until the sentinel, handing each plaintext chunk
// to fn. It stops early once more than maxBytes of plaintext arrive.
func (e *EnvelopeReader) ReadChunks(maxBytes int64, fn func([]byte) error) (int64, error) {
	var total int64
	for i := 0; ; i++ {
		frame, err := ReadFrame(e.r, MaxFrame)
		if err != nil {
			return total, err
		}
		if len(frame) == 0 {
			return total, nil
		}
		chunk, err := e.cipher.Open(frame)
		if err != nil {
			return total, fmt.Errorf("open chunk %d: %w", i, err)
		}
		total += int64(len(chunk))
		if maxBytes >= 0 && total > maxBytes {
			return total, fmt.Errorf("%w: body exceeds declared size %d", ErrFrameTooLarge, maxBytes)
		}
		if err := fn(chunk); err != nil {
			return total, err
		}
	}
}
