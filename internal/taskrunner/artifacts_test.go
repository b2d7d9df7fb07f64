package taskrunner

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"browserpilot/internal/errs"
)

func TestArtifactChunkedReconstruction(t *testing.T) {
	s := NewArtifactStore(time.Hour)
	payload := bytes.Repeat([]byte("0123456789"), 1000)
	id := s.Put("run-1", "application/octet-stream", payload)

	var rebuilt []byte
	offset := 0
	for {
		art, chunk, err := s.Get(id, offset, 4096)
		require.NoError(t, err)
		require.Equal(t, len(payload), art.Size)
		if len(chunk) == 0 {
			break
		}
		rebuilt = append(rebuilt, chunk...)
		offset += len(chunk)
	}
	assert.Equal(t, payload, rebuilt, "chunked reads reconstruct the payload byte-for-byte")
}

func TestArtifactFullReadInOneChunk(t *testing.T) {
	s := NewArtifactStore(time.Hour)
	payload := []byte("small payload")
	id := s.Put("run-1", "text/plain", payload)

	_, chunk, err := s.Get(id, 0, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, chunk)
}

func TestArtifactChunkCap(t *testing.T) {
	s := NewArtifactStore(time.Hour)
	payload := make([]byte, 300*1024)
	id := s.Put("run-1", "application/octet-stream", payload)

	_, chunk, err := s.Get(id, 0, 512*1024)
	require.NoError(t, err)
	assert.Equal(t, 256*1024, len(chunk), "a single read is capped at 256 KiB")
}

func TestArtifactNotFound(t *testing.T) {
	s := NewArtifactStore(time.Hour)
	_, _, err := s.Get("art_missing", 0, 10)
	require.Error(t, err)
	assert.Equal(t, errs.CodeArtifactNotFound, errs.CodeOf(err))
}

func TestArtifactTTLStartsAtTerminal(t *testing.T) {
	s := NewArtifactStore(10 * time.Millisecond)
	id := s.Put("run-1", "text/plain", []byte("x"))

	// Without a terminal run, the artifact never expires.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, s.Sweep())

	s.StartTTL("run-1")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, s.Sweep())

	_, _, err := s.Get(id, 0, 1)
	assert.Error(t, err)
}

func TestArtifactListForRun(t *testing.T) {
	s := NewArtifactStore(time.Hour)
	a := s.Put("run-1", "text/plain", []byte("a"))
	b := s.Put("run-1", "text/plain", []byte("b"))
	s.Put("run-2", "text/plain", []byte("c"))

	assert.ElementsMatch(t, []string{a, b}, s.ListForRun("run-1"))
}
