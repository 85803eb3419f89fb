// Package layout maps the torrent's flat piece address space onto its files.
//
// A Layout is computed once from validated metainfo and never changes, so it
// can be shared between goroutines without locking.
package layout

import (
	"errors"
	"fmt"
	"sort"

	"torrent-layout/internal/constants"
	"torrent-layout/internal/metainfo"
	"torrent-layout/internal/utils"
)

var (
	ErrPieceIndex = errors.New("piece index out of range")
	ErrBlockIndex = errors.New("block index out of range")
)

// Entry is a file placed in the torrent's logical address space.
// It occupies [Offset, Offset+Length).
type Entry struct {
	Index  int
	Path   string
	Offset int64
	Length int64
}

func (e Entry) End() int64 { return e.Offset + e.Length }

// Range is the part of a piece (or block) that lands in one file
type Range struct {
	FileIndex   int    `json:"file_index"`
	Path        string `json:"path"`
	FileOffset  int64  `json:"file_offset"` // where the bytes start inside the file
	Length      int64  `json:"length"`
	PieceOffset int64  `json:"piece_offset"` // where the bytes start inside the piece
}

type Layout struct {
	files       []Entry
	byPath      map[string]int
	pieceLength int64
	totalSize   int64
	numPieces   int
}

// New places every file at the cumulative length of the files before it
func New(m *metainfo.Metainfo) *Layout {
	files := m.Files()
	l := &Layout{
		files:       make([]Entry, len(files)),
		byPath:      make(map[string]int, len(files)),
		pieceLength: m.PieceLength(),
		numPieces:   m.NumPieces(),
	}

	var offset int64
	for i, f := range files {
		l.files[i] = Entry{Index: i, Path: f.Path, Offset: offset, Length: f.Length}
		l.byPath[f.Path] = i
		offset += f.Length
	}
	l.totalSize = offset
	return l
}

func (l *Layout) NumFiles() int       { return len(l.files) }
func (l *Layout) NumPieces() int      { return l.numPieces }
func (l *Layout) TotalSize() int64    { return l.totalSize }
func (l *Layout) MaxPieceSize() int64 { return l.pieceLength }

// Files returns a copy of the placed files in declared order
func (l *Layout) Files() []Entry {
	return append([]Entry(nil), l.files...)
}

func (l *Layout) File(i int) Entry {
	return l.files[i]
}

// FileIndex looks a file up by its relative path
func (l *Layout) FileIndex(path string) (int, bool) {
	i, ok := l.byPath[path]
	return i, ok
}

// PieceOffset is where piece p starts in the logical address space
func (l *Layout) PieceOffset(p int) int64 {
	return int64(p) * l.pieceLength
}

// PieceLength is the length of piece p. Only the last piece may be shorter
// than the nominal piece length.
func (l *Layout) PieceLength(p int) int64 {
	if p < 0 || p >= l.numPieces {
		return 0
	}
	start := l.PieceOffset(p)
	return min(start+l.pieceLength, l.totalSize) - start
}

// PieceRanges returns, in file order, the byte ranges of every file that
// piece p overlaps. The lengths always sum to PieceLength(p).
func (l *Layout) PieceRanges(p int) ([]Range, error) {
	if p < 0 || p >= l.numPieces {
		return nil, fmt.Errorf("%w: %d of %d", ErrPieceIndex, p, l.numPieces)
	}
	start := l.PieceOffset(p)
	return l.ranges(start, start+l.PieceLength(p), start), nil
}

// PieceFiles returns the indexes of the files piece p overlaps
func (l *Layout) PieceFiles(p int) []int {
	ranges, err := l.PieceRanges(p)
	if err != nil {
		return nil
	}
	out := make([]int, len(ranges))
	for i, r := range ranges {
		out[i] = r.FileIndex
	}
	return out
}

// FilePieces returns the inclusive range of pieces overlapping file i.
// ok is false for zero length files, which overlap no piece.
func (l *Layout) FilePieces(i int) (first, last int, ok bool) {
	f := l.files[i]
	if f.Length == 0 {
		return 0, 0, false
	}
	first = int(f.Offset / l.pieceLength)
	last = int((f.End() - 1) / l.pieceLength)
	return first, last, true
}

// BlockCount is the number of BLOCK_SIZE requests needed to fetch piece p.
// The last piece is counted by its truncated length.
func (l *Layout) BlockCount(p int) int {
	return int(utils.CeilDiv(l.PieceLength(p), constants.BLOCK_SIZE))
}

// BlockLength is the length of block b of piece p; the final block of a piece may be short
func (l *Layout) BlockLength(p, b int) int64 {
	if b < 0 || b >= l.BlockCount(p) {
		return 0
	}
	begin := int64(b) * constants.BLOCK_SIZE
	return min(int64(constants.BLOCK_SIZE), l.PieceLength(p)-begin)
}

// BlockRanges maps block b of piece p to file ranges. PieceOffset in the
// result is still relative to the start of the piece.
func (l *Layout) BlockRanges(p, b int) ([]Range, error) {
	if p < 0 || p >= l.numPieces {
		return nil, fmt.Errorf("%w: %d of %d", ErrPieceIndex, p, l.numPieces)
	}
	if b < 0 || b >= l.BlockCount(p) {
		return nil, fmt.Errorf("%w: block %d of piece %d has %d blocks", ErrBlockIndex, b, p, l.BlockCount(p))
	}
	pieceStart := l.PieceOffset(p)
	start := pieceStart + int64(b)*constants.BLOCK_SIZE
	return l.ranges(start, start+l.BlockLength(p, b), pieceStart), nil
}

// ranges intersects [start, end) with the file list. Offsets are sorted by
// construction so the first file is found with a binary search.
func (l *Layout) ranges(start, end, pieceStart int64) []Range {
	first := sort.Search(len(l.files), func(i int) bool {
		return l.files[i].End() > start
	})

	var out []Range
	for i := first; i < len(l.files) && l.files[i].Offset < end; i++ {
		f := l.files[i]
		if f.Length == 0 {
			continue
		}
		lo := max(start, f.Offset)
		hi := min(end, f.End())
		if hi <= lo {
			continue
		}
		out = append(out, Range{
			FileIndex:   i,
			Path:        f.Path,
			FileOffset:  lo - f.Offset,
			Length:      hi - lo,
			PieceOffset: lo - pieceStart,
		})
	}
	return out
}
