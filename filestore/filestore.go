// Package filestore is a minimal disk-backed collab.FileIO and collab.DotDir
// implementation, the concrete collaborator cmd/swarmd wires into the
// engine. The core treats file I/O as fully opaque; this package is one
// possible (and deliberately simple) way to satisfy it, not part of the
// core itself.
package filestore

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rkrishnan/swarmd/collab"
)

type torrentFile struct {
	mu sync.Mutex

	file        *os.File
	pieceLength int64
	total       int64
	hashes      [][20]byte
	written     []int64 // bytes written so far, per piece
	done        []bool
}

func (t *torrentFile) pieceSize(piece int) int64 {
	if piece == len(t.hashes)-1 {
		if last := t.total - t.pieceLength*int64(piece); last > 0 {
			return last
		}
	}
	return t.pieceLength
}

// Store is a directory of per-torrent backing files plus a ".info"
// sidecar directory, serving collab.FileIO and collab.DotDir.
type Store struct {
	dataDir string
	infoDir string

	mu       sync.RWMutex
	torrents map[int]*torrentFile
}

// New creates a Store rooted at dir, with data files under dir/data and
// dot-info blobs under dir/info.
func New(dir string) (*Store, error) {
	dataDir := filepath.Join(dir, "data")
	infoDir := filepath.Join(dir, "info")
	for _, d := range []string{dataDir, infoDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("filestore: mkdir %s: %s", d, err)
		}
	}
	return &Store{
		dataDir:  dataDir,
		infoDir:  infoDir,
		torrents: make(map[int]*torrentFile),
	}, nil
}

// RegisterTorrent opens (creating and preallocating if necessary) the
// backing file for torrentID. Must be called before the engine issues any
// WriteChunk/ReadChunk calls for it — the core has no notion of this step,
// since file layout is entirely our concern, not the core's.
func (s *Store) RegisterTorrent(torrentID int, meta collab.MetaInfo) error {
	path := filepath.Join(s.dataDir, meta.Name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("filestore: open %s: %s", path, err)
	}
	if err := f.Truncate(meta.TotalLength); err != nil {
		f.Close()
		return fmt.Errorf("filestore: truncate %s: %s", path, err)
	}
	s.mu.Lock()
	s.torrents[torrentID] = &torrentFile{
		file:        f,
		pieceLength: meta.PieceLength,
		total:       meta.TotalLength,
		hashes:      meta.PieceHashes,
		written:     make([]int64, len(meta.PieceHashes)),
		done:        make([]bool, len(meta.PieceHashes)),
	}
	s.mu.Unlock()
	return nil
}

// RemoveTorrent closes and forgets torrentID's backing file. The file
// itself is left on disk.
func (s *Store) RemoveTorrent(torrentID int) {
	s.mu.Lock()
	tf, ok := s.torrents[torrentID]
	delete(s.torrents, torrentID)
	s.mu.Unlock()
	if ok {
		tf.file.Close()
	}
}

func (s *Store) get(torrentID int) (*torrentFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tf, ok := s.torrents[torrentID]
	return tf, ok
}

// WriteChunk implements collab.FileIO.
func (s *Store) WriteChunk(torrentID int, piece int, offset int64, data []byte) <-chan collab.WriteResult {
	out := make(chan collab.WriteResult, 1)
	go func() {
		out <- s.writeChunk(torrentID, piece, offset, data)
	}()
	return out
}

func (s *Store) writeChunk(torrentID int, piece int, offset int64, data []byte) collab.WriteResult {
	tf, ok := s.get(torrentID)
	if !ok {
		return collab.WriteResult{Err: fmt.Errorf("filestore: unknown torrent %d", torrentID)}
	}

	fileOff := tf.pieceLength*int64(piece) + offset
	if _, err := tf.file.WriteAt(data, fileOff); err != nil {
		return collab.WriteResult{Err: err}
	}

	tf.mu.Lock()
	defer tf.mu.Unlock()
	if tf.done[piece] {
		return collab.WriteResult{}
	}
	tf.written[piece] += int64(len(data))
	if tf.written[piece] < tf.pieceSize(piece) {
		return collab.WriteResult{}
	}

	verified, err := tf.verify(piece)
	if err != nil {
		return collab.WriteResult{Err: err}
	}
	if !verified {
		// Hash mismatch: reset so the piece can be re-requested and
		// rewritten from scratch.
		tf.written[piece] = 0
		return collab.WriteResult{Err: fmt.Errorf("filestore: piece %d failed hash verification", piece)}
	}
	tf.done[piece] = true
	return collab.WriteResult{PieceComplete: true}
}

func (tf *torrentFile) verify(piece int) (bool, error) {
	buf := make([]byte, tf.pieceSize(piece))
	if _, err := tf.file.ReadAt(buf, tf.pieceLength*int64(piece)); err != nil {
		return false, err
	}
	h := sha1.New()
	h.Write(buf)
	return bytes.Equal(h.Sum(nil), tf.hashes[piece][:]), nil
}

// ReadChunk implements collab.FileIO.
func (s *Store) ReadChunk(torrentID int, piece int, offset int64, length int) <-chan collab.ReadResult {
	out := make(chan collab.ReadResult, 1)
	go func() {
		out <- s.readChunk(torrentID, piece, offset, length)
	}()
	return out
}

func (s *Store) readChunk(torrentID int, piece int, offset int64, length int) collab.ReadResult {
	tf, ok := s.get(torrentID)
	if !ok {
		return collab.ReadResult{Err: fmt.Errorf("filestore: unknown torrent %d", torrentID)}
	}
	buf := make([]byte, length)
	fileOff := tf.pieceLength*int64(piece) + offset
	if _, err := tf.file.ReadAt(buf, fileOff); err != nil {
		return collab.ReadResult{Err: err}
	}
	return collab.ReadResult{Data: buf}
}

// ReadInfo implements collab.DotDir.
func (s *Store) ReadInfo(torrentID int) ([]byte, error) {
	return os.ReadFile(s.infoPath(torrentID))
}

// WriteInfo implements collab.DotDir.
func (s *Store) WriteInfo(torrentID int, blob []byte) error {
	return os.WriteFile(s.infoPath(torrentID), blob, 0644)
}

func (s *Store) infoPath(torrentID int) string {
	return filepath.Join(s.infoDir, fmt.Sprintf("%d.info", torrentID))
}
