package piecestore_test

import (
	"crypto/sha1"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/gosw/swarmtorrent/piecestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashesFor(pieces ...[]byte) [][20]byte {
	out := make([][20]byte, len(pieces))
	for i, p := range pieces {
		out[i] = sha1.Sum(p)
	}
	return out
}

func TestSaveAndVerify(t *testing.T) {
	dir := t.TempDir()
	metainfoPath := filepath.Join(dir, "x.torrent")

	pieceA := []byte("hello world, piece A")
	pieceB := []byte("piece B contents here")
	hashes := hashesFor(pieceA, pieceB)

	store, err := piecestore.Open(metainfoPath, hashes, len(pieceA), len(pieceA)+len(pieceB))
	require.NoError(t, err)
	assert.False(t, store.HasPiece(0))

	require.NoError(t, store.Verify(0, pieceA))
	require.NoError(t, store.Save(0, pieceA))
	assert.True(t, store.HasPiece(0))
	assert.False(t, store.AllVerified())

	require.NoError(t, store.Verify(1, pieceB))
	require.NoError(t, store.Save(1, pieceB))
	assert.True(t, store.AllVerified())
}

func TestVerifyHashMismatch(t *testing.T) {
	dir := t.TempDir()
	metainfoPath := filepath.Join(dir, "x.torrent")
	hashes := hashesFor([]byte("expected"))

	store, err := piecestore.Open(metainfoPath, hashes, 8, 8)
	require.NoError(t, err)

	err = store.Verify(0, []byte("corrupt!"))
	require.Error(t, err)
	assert.ErrorIs(t, err, piecestore.ErrHashMismatch)
}

func TestResumeLoadsVerifiedPieces(t *testing.T) {
	dir := t.TempDir()
	metainfoPath := filepath.Join(dir, "x.torrent")
	pieceA := []byte("resumable piece")
	hashes := hashesFor(pieceA)

	store, err := piecestore.Open(metainfoPath, hashes, len(pieceA), len(pieceA))
	require.NoError(t, err)
	require.NoError(t, store.Save(0, pieceA))

	// Reopen: simulates a restarted process picking up the journal.
	store2, err := piecestore.Open(metainfoPath, hashes, len(pieceA), len(pieceA))
	require.NoError(t, err)
	assert.True(t, store2.HasPiece(0))
	assert.True(t, store2.AllVerified())
}

func TestTornTrailingRecordDiscarded(t *testing.T) {
	dir := t.TempDir()
	metainfoPath := filepath.Join(dir, "x.torrent")
	journalPath := metainfoPath + ".state"

	pieceA := []byte("complete piece data!!")
	hashes := hashesFor(pieceA, []byte("second piece, never written in full"))

	// Write one full valid record, then a torn trailing header promising
	// more bytes than follow.
	var buf []byte
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], 0)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(pieceA)))
	buf = append(buf, header...)
	buf = append(buf, pieceA...)

	tornHeader := make([]byte, 8)
	binary.BigEndian.PutUint32(tornHeader[0:4], 1)
	binary.BigEndian.PutUint32(tornHeader[4:8], 9999)
	buf = append(buf, tornHeader...)
	buf = append(buf, []byte("only a few bytes")...) // far short of 9999

	require.NoError(t, os.WriteFile(journalPath, buf, 0o644))

	store, err := piecestore.Open(metainfoPath, hashes, len(pieceA), len(pieceA)+40)
	require.NoError(t, err)
	assert.True(t, store.HasPiece(0))
	assert.False(t, store.HasPiece(1))
	assert.False(t, store.AllVerified())
}

func TestCorruptRecordDiscardedOnLoad(t *testing.T) {
	dir := t.TempDir()
	metainfoPath := filepath.Join(dir, "x.torrent")
	journalPath := metainfoPath + ".state"

	hashes := hashesFor([]byte("expected bytes"))
	corrupt := []byte("totally different bytes")

	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], 0)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(corrupt)))
	buf := append(header, corrupt...)
	require.NoError(t, os.WriteFile(journalPath, buf, 0o644))

	store, err := piecestore.Open(metainfoPath, hashes, 20, 20)
	require.NoError(t, err)
	assert.False(t, store.HasPiece(0))
}

func TestFinalizeAssemblesAndDeletesJournal(t *testing.T) {
	dir := t.TempDir()
	metainfoPath := filepath.Join(dir, "x.torrent")
	outputPath := filepath.Join(dir, "output.bin")

	pieceA := []byte("first piece bytes")
	pieceB := []byte("second piece bytes")
	hashes := hashesFor(pieceA, pieceB)
	total := len(pieceA) + len(pieceB)

	store, err := piecestore.Open(metainfoPath, hashes, len(pieceA), total)
	require.NoError(t, err)
	require.NoError(t, store.Save(0, pieceA))
	require.NoError(t, store.Save(1, pieceB))

	require.NoError(t, store.Finalize(outputPath))

	got, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, pieceA...), pieceB...), got)

	_, err = os.Stat(metainfoPath + ".state")
	assert.True(t, os.IsNotExist(err))
}

func TestFinalizeFailsIfIncomplete(t *testing.T) {
	dir := t.TempDir()
	metainfoPath := filepath.Join(dir, "x.torrent")
	hashes := hashesFor([]byte("a"), []byte("b"))

	store, err := piecestore.Open(metainfoPath, hashes, 1, 2)
	require.NoError(t, err)

	err = store.Finalize(filepath.Join(dir, "out.bin"))
	require.Error(t, err)
}
