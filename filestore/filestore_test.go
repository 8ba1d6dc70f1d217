package filestore

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rkrishnan/swarmd/collab"
)

func pieceHash(data []byte) [20]byte {
	var h [20]byte
	sum := sha1.Sum(data)
	copy(h[:], sum[:])
	return h
}

func testMeta(t *testing.T, piece0, piece1 []byte) collab.MetaInfo {
	t.Helper()
	return collab.MetaInfo{
		Name:        "test.torrent",
		TotalLength: int64(len(piece0) + len(piece1)),
		PieceLength: int64(len(piece0)),
		PieceHashes: [][20]byte{pieceHash(piece0), pieceHash(piece1)},
	}
}

func TestWriteChunkCompletesPieceOnLastChunk(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	p0 := []byte("0123456789abcdef")
	p1 := []byte("fedcba9876543210")
	require.NoError(t, s.RegisterTorrent(1, testMeta(t, p0, p1)))

	r := <-s.WriteChunk(1, 0, 0, p0[:8])
	require.NoError(t, r.Err)
	require.False(t, r.PieceComplete)

	r = <-s.WriteChunk(1, 0, 8, p0[8:])
	require.NoError(t, r.Err)
	require.True(t, r.PieceComplete)
}

func TestWriteChunkRejectsCorruptPiece(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	p0 := []byte("0123456789abcdef")
	p1 := []byte("fedcba9876543210")
	require.NoError(t, s.RegisterTorrent(1, testMeta(t, p0, p1)))

	r := <-s.WriteChunk(1, 0, 0, []byte("xxxxxxxxxxxxxxxx"))
	require.Error(t, r.Err)
	require.False(t, r.PieceComplete)
}

func TestReadChunkRoundTrips(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	p0 := []byte("0123456789abcdef")
	p1 := []byte("fedcba9876543210")
	require.NoError(t, s.RegisterTorrent(1, testMeta(t, p0, p1)))
	require.NoError(t, (<-s.WriteChunk(1, 1, 0, p1)).Err)

	r := <-s.ReadChunk(1, 1, 4, 6)
	require.NoError(t, r.Err)
	require.Equal(t, p1[4:10], r.Data)
}

func TestDotDirRoundTrips(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.WriteInfo(7, []byte("blob")))
	blob, err := s.ReadInfo(7)
	require.NoError(t, err)
	require.Equal(t, []byte("blob"), blob)
}
