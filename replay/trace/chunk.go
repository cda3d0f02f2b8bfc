package trace

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvedChunk is returned when a hash id has no loaded chunk.
	ErrUnresolvedChunk = errors.New("unresolved chunk")
	// ErrDuplicateChunk is returned when a hash id is loaded twice with different lengths.
	ErrDuplicateChunk = errors.New("duplicate chunk with conflicting length")
)

// ChunkRecord is one reusable piece of request content addressed by its hash id.
// Text is empty when only the token length was recorded.
type ChunkRecord struct {
	HashID      int64  `json:"hash_id"`
	TokenLength int    `json:"token_length"`
	Text        string `json:"text,omitempty"`
}

// HasText reports whether the chunk carries reconstructed text.
func (c ChunkRecord) HasText() bool {
	return c.Text != ""
}

// Resolver looks up chunks by hash id. Implementations must be safe for
// concurrent reads.
type Resolver interface {
	Resolve(hashID int64) (ChunkRecord, error)
}

// ChunkStore is an in-memory hash id -> chunk table.
// Add is not goroutine-safe; the store is read-only once loading finishes.
type ChunkStore struct {
	chunks map[int64]ChunkRecord
}

// NewChunkStore creates an empty store.
func NewChunkStore() *ChunkStore {
	return &ChunkStore{chunks: make(map[int64]ChunkRecord)}
}

// Add inserts a chunk. Re-adding an identical length is a no-op (a missing
// text is filled in); a conflicting length fails with ErrDuplicateChunk.
func (s *ChunkStore) Add(rec ChunkRecord) error {
	if rec.TokenLength < 0 {
		return fmt.Errorf("hash_id %d: negative token length %d", rec.HashID, rec.TokenLength)
	}
	if prev, ok := s.chunks[rec.HashID]; ok {
		if prev.TokenLength != rec.TokenLength {
			return fmt.Errorf("%w: hash_id %d has lengths %d and %d",
				ErrDuplicateChunk, rec.HashID, prev.TokenLength, rec.TokenLength)
		}
		if !prev.HasText() && rec.HasText() {
			s.chunks[rec.HashID] = rec
		}
		return nil
	}
	s.chunks[rec.HashID] = rec
	return nil
}

// Resolve returns the chunk for hashID or ErrUnresolvedChunk.
func (s *ChunkStore) Resolve(hashID int64) (ChunkRecord, error) {
	rec, ok := s.chunks[hashID]
	if !ok {
		return ChunkRecord{}, fmt.Errorf("%w: hash_id %d", ErrUnresolvedChunk, hashID)
	}
	return rec, nil
}

// Len returns the number of loaded chunks.
func (s *ChunkStore) Len() int {
	return len(s.chunks)
}
