// Package session holds the live state of one torrent: its layout, the
// user's file selection and the download state of every piece.
//
// A Session is not safe for concurrent use; the dispatcher owns it.
package session

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"torrent-layout/internal/layout"
	"torrent-layout/internal/metainfo"
	message "torrent-layout/internal/peerMessage"
	"torrent-layout/internal/selection"

	"github.com/willf/bitset"
)

// ErrHashMismatch is returned by Verify when a piece fails its hash check.
// The piece goes back to NotDownloaded and can simply be fetched again.
var ErrHashMismatch = errors.New("piece hash mismatch")

// ErrNotVerified is returned by Have for a piece that has not passed its hash check
var ErrNotVerified = errors.New("piece not verified")

type PieceState int

const (
	NotDownloaded PieceState = iota
	Unverified
	Verified
)

func (s PieceState) String() string {
	switch s {
	case NotDownloaded:
		return "not-downloaded"
	case Unverified:
		return "downloaded-unverified"
	case Verified:
		return "verified"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Progress is measured over wanted pieces only
type Progress struct {
	PercentComplete float64 `json:"percent_complete"`
	VerifiedBytes   int64   `json:"verified_bytes"`
	WantedBytes     int64   `json:"wanted_bytes"`
	DownloadedBytes int64   `json:"downloaded_bytes"` // bytes accepted so far, failed pieces included
	HashFailures    int     `json:"hash_failures"`
	PiecesVerified  int     `json:"pieces_verified"`
	PiecesWanted    int     `json:"pieces_wanted"`
}

type Session struct {
	Meta   *metainfo.Metainfo
	Layout *layout.Layout
	Dir    string

	selection  *selection.Selection
	unverified *bitset.BitSet
	verified   *bitset.BitSet

	downloaded   int64
	hashFailures int
}

func New(m *metainfo.Metainfo, l *layout.Layout, dir string) *Session {
	n := uint(l.NumPieces())
	return &Session{
		Meta:       m,
		Layout:     l,
		Dir:        dir,
		selection:  selection.New(l, m.SingleFile()),
		unverified: bitset.New(n),
		verified:   bitset.New(n),
	}
}

func (s *Session) InfoHash() metainfo.Hash { return s.Meta.InfoHash() }

// Select replaces the file selection; see selection.Selection.Set
func (s *Session) Select(mode selection.Mode, paths []string) error {
	return s.selection.Set(mode, paths)
}

func (s *Session) Selection() *selection.Selection { return s.selection }

func (s *Session) checkIndex(p int) error {
	if p < 0 || p >= s.Layout.NumPieces() {
		return fmt.Errorf("%w: %d of %d", layout.ErrPieceIndex, p, s.Layout.NumPieces())
	}
	return nil
}

func (s *Session) State(p int) PieceState {
	switch {
	case p < 0 || p >= s.Layout.NumPieces():
		return NotDownloaded
	case s.verified.Test(uint(p)):
		return Verified
	case s.unverified.Test(uint(p)):
		return Unverified
	}
	return NotDownloaded
}

// MarkDownloaded records that all bytes of piece p arrived but were not yet checked
func (s *Session) MarkDownloaded(p int) error {
	if err := s.checkIndex(p); err != nil {
		return err
	}
	if s.verified.Test(uint(p)) || s.unverified.Test(uint(p)) {
		return nil
	}
	s.unverified.Set(uint(p))
	s.downloaded += s.Layout.PieceLength(p)
	return nil
}

// Verify hashes data and compares it with the expected digest for piece p.
// On success the piece is Verified; on mismatch it is reset to NotDownloaded
// and ErrHashMismatch is returned.
func (s *Session) Verify(p int, data []byte) error {
	if err := s.checkIndex(p); err != nil {
		return err
	}
	if int64(len(data)) != s.Layout.PieceLength(p) || sha1.Sum(data) != s.Meta.PieceHash(p) {
		s.unverified.Clear(uint(p))
		s.verified.Clear(uint(p))
		s.hashFailures++
		return fmt.Errorf("%w: piece %d", ErrHashMismatch, p)
	}
	s.unverified.Clear(uint(p))
	s.verified.Set(uint(p))
	return nil
}

// Reset forgets piece p, for example after a failed disk write
func (s *Session) Reset(p int) error {
	if err := s.checkIndex(p); err != nil {
		return err
	}
	s.unverified.Clear(uint(p))
	s.verified.Clear(uint(p))
	return nil
}

// ApplyVerified marks the pieces found intact by a disk recheck
func (s *Session) ApplyVerified(found *bitset.BitSet) {
	if found == nil {
		return
	}
	for i, ok := found.NextSet(0); ok && i < uint(s.Layout.NumPieces()); i, ok = found.NextSet(i + 1) {
		s.unverified.Clear(i)
		s.verified.Set(i)
	}
}

// Verified returns a copy of the verified piece set
func (s *Session) Verified() *bitset.BitSet {
	return s.verified.Clone()
}

// Bitfield renders the verified pieces the way peers expect them
func (s *Session) Bitfield() message.Bitfield {
	bf := message.NewBitfield(s.Layout.NumPieces())
	for i, ok := s.verified.NextSet(0); ok; i, ok = s.verified.NextSet(i + 1) {
		bf.SetPiece(int(i))
	}
	return bf
}

// Have builds the HAVE announcement for verified piece p
func (s *Session) Have(p int) (*message.Message, error) {
	if err := s.checkIndex(p); err != nil {
		return nil, err
	}
	if !s.verified.Test(uint(p)) {
		return nil, fmt.Errorf("%w: %d", ErrNotVerified, p)
	}
	return message.FormatHave(p), nil
}

// Missing lists wanted pieces that are not verified yet, in index order
func (s *Session) Missing() []int {
	missing := s.selection.Wanted()
	missing.InPlaceDifference(s.verified)
	var out []int
	for i, ok := missing.NextSet(0); ok; i, ok = missing.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

// Complete reports whether every wanted piece is verified
func (s *Session) Complete() bool {
	return len(s.Missing()) == 0
}

func (s *Session) Progress() Progress {
	wanted := s.selection.Wanted()
	pr := Progress{
		DownloadedBytes: s.downloaded,
		HashFailures:    s.hashFailures,
	}
	for i, ok := wanted.NextSet(0); ok; i, ok = wanted.NextSet(i + 1) {
		length := s.Layout.PieceLength(int(i))
		pr.WantedBytes += length
		pr.PiecesWanted++
		if s.verified.Test(i) {
			pr.VerifiedBytes += length
			pr.PiecesVerified++
		}
	}
	if pr.WantedBytes == 0 {
		pr.PercentComplete = 100
	} else {
		pr.PercentComplete = float64(pr.VerifiedBytes) / float64(pr.WantedBytes) * 100
	}
	return pr
}
