// Package storage places piece bytes into the torrent's files on disk.
package storage

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"torrent-layout/internal/layout"
	"torrent-layout/internal/metainfo"

	"github.com/sirupsen/logrus"
	"github.com/willf/bitset"
	"golang.org/x/sync/errgroup"
)

// Target is the immutable part of a torrent the disk layer needs
type Target struct {
	Meta   *metainfo.Metainfo
	Layout *layout.Layout
	Dir    string
}

// FileStorage writes torrents as plain files below their download directory.
// Single file torrents are stored as dir/name, multi file torrents as
// dir/name/<path>.
type FileStorage struct {
	workers int
	log     *logrus.Entry
}

func New(workers int, log *logrus.Entry) *FileStorage {
	if workers <= 0 {
		workers = 1
	}
	return &FileStorage{workers: workers, log: log}
}

// FilePath is where file i of the torrent lives on disk
func (s *FileStorage) FilePath(t Target, i int) string {
	if t.Meta.SingleFile() {
		return filepath.Join(t.Dir, t.Meta.Name())
	}
	return filepath.Join(t.Dir, t.Meta.Name(), filepath.FromSlash(t.Layout.File(i).Path))
}

// Allocate creates the given files, zero length placeholders included, and
// grows each to its final size
func (s *FileStorage) Allocate(t Target, files []int) error {
	for _, i := range files {
		entry := t.Layout.File(i)
		name := s.FilePath(t, i)
		if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return err
		}
		info, err := f.Stat()
		if err == nil && info.Size() < entry.Length {
			err = f.Truncate(entry.Length)
		}
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("allocating %s: %w", name, err)
		}
	}
	s.log.WithFields(logrus.Fields{
		"info_hash": t.Meta.InfoHash(),
		"files":     len(files),
	}).Debug("Allocated files")
	return nil
}

// WritePiece stores a verified piece at the file offsets it maps to
func (s *FileStorage) WritePiece(t Target, p int, data []byte) error {
	ranges, err := t.Layout.PieceRanges(p)
	if err != nil {
		return err
	}
	if int64(len(data)) != t.Layout.PieceLength(p) {
		return fmt.Errorf("piece %d: got %d bytes, want %d", p, len(data), t.Layout.PieceLength(p))
	}

	for _, r := range ranges {
		name := s.FilePath(t, r.FileIndex)
		if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		_, err = f.WriteAt(data[r.PieceOffset:r.PieceOffset+r.Length], r.FileOffset)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("writing piece %d to %s: %w", p, name, err)
		}
	}
	return nil
}

// ReadPiece assembles piece p from the files on disk
func (s *FileStorage) ReadPiece(t Target, p int) ([]byte, error) {
	ranges, err := t.Layout.PieceRanges(p)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, t.Layout.PieceLength(p))
	for _, r := range ranges {
		f, err := os.Open(s.FilePath(t, r.FileIndex))
		if err != nil {
			return nil, err
		}
		_, err = f.ReadAt(buf[r.PieceOffset:r.PieceOffset+r.Length], r.FileOffset)
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// Check hashes every piece already on disk and returns the ones that match.
// Missing or short files simply leave their pieces unset.
func (s *FileStorage) Check(ctx context.Context, t Target) (*bitset.BitSet, error) {
	found := bitset.New(uint(t.Layout.NumPieces()))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for p := 0; p < t.Layout.NumPieces(); p++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := s.ReadPiece(t, p)
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if sha1.Sum(data) != t.Meta.PieceHash(p) {
				return nil
			}
			mu.Lock()
			found.Set(uint(p))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"info_hash": t.Meta.InfoHash(),
		"verified":  found.Count(),
		"pieces":    t.Layout.NumPieces(),
	}).Info("Checked existing data")
	return found, nil
}
