// Package selection tracks which files of a torrent the user wants and
// derives the set of pieces that must be downloaded for them.
package selection

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"torrent-layout/internal/layout"

	"github.com/willf/bitset"
)

type Mode int

const (
	// Blacklist wants every file except the listed ones
	Blacklist Mode = iota
	// Whitelist wants only the listed files
	Whitelist
)

func (m Mode) String() string {
	switch m {
	case Whitelist:
		return "whitelist"
	case Blacklist:
		return "blacklist"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "whitelist":
		return Whitelist, nil
	case "blacklist":
		return Blacklist, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrMode, s)
}

var ErrSelection = errors.New("selection error")

var (
	ErrSingleFile     = fmt.Errorf("%w: single file torrents have nothing to select", ErrSelection)
	ErrUnknownPath    = fmt.Errorf("%w: path not in torrent", ErrSelection)
	ErrEmptySelection = fmt.Errorf("%w: nothing to download", ErrSelection)
	ErrMode           = fmt.Errorf("%w: unknown mode", ErrSelection)
)

// Summary is what the file picker shows under the tree
type Summary struct {
	Files int
	Bytes int64
}

type state struct {
	mode        Mode
	paths       map[string]struct{}
	wantedFiles []bool
	wanted      *bitset.BitSet
}

// Selection is not safe for concurrent use. Mode, paths and the derived
// pieces live in one state value that Set replaces as a whole.
type Selection struct {
	layout *layout.Layout
	single bool
	cur    *state
}

// New starts with every file wanted
func New(l *layout.Layout, single bool) *Selection {
	s := &Selection{layout: l, single: single}
	s.cur = derive(l, Blacklist, map[string]struct{}{})
	return s
}

// Set replaces the selection. Nothing changes when an error is returned.
func (s *Selection) Set(mode Mode, paths []string) error {
	if s.single {
		return ErrSingleFile
	}
	if mode != Whitelist && mode != Blacklist {
		return fmt.Errorf("%w: %v", ErrMode, mode)
	}

	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if _, ok := s.layout.FileIndex(p); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPath, p)
		}
		set[p] = struct{}{}
	}

	next := derive(s.layout, mode, set)
	if !anyWanted(next.wantedFiles) {
		return ErrEmptySelection
	}
	s.cur = next
	return nil
}

// derive unions the piece range of every wanted file
func derive(l *layout.Layout, mode Mode, paths map[string]struct{}) *state {
	st := &state{
		mode:        mode,
		paths:       paths,
		wantedFiles: make([]bool, l.NumFiles()),
		wanted:      bitset.New(uint(l.NumPieces())),
	}
	for i, f := range l.Files() {
		if !isWanted(mode, paths, f.Path) {
			continue
		}
		st.wantedFiles[i] = true
		first, last, ok := l.FilePieces(i)
		if !ok {
			continue
		}
		for p := first; p <= last; p++ {
			st.wanted.Set(uint(p))
		}
	}
	return st
}

func isWanted(mode Mode, paths map[string]struct{}, path string) bool {
	_, listed := paths[path]
	if mode == Whitelist {
		return listed
	}
	return !listed
}

func anyWanted(files []bool) bool {
	for _, w := range files {
		if w {
			return true
		}
	}
	return false
}

// Scan recomputes the wanted pieces from scratch by asking, for every piece,
// which files it touches.
func Scan(l *layout.Layout, mode Mode, paths []string) *bitset.BitSet {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	wanted := bitset.New(uint(l.NumPieces()))
	for p := 0; p < l.NumPieces(); p++ {
		for _, i := range l.PieceFiles(p) {
			if isWanted(mode, set, l.File(i).Path) {
				wanted.Set(uint(p))
				break
			}
		}
	}
	return wanted
}

func (s *Selection) Mode() Mode { return s.cur.mode }

// SingleFile reports whether the selection is fixed to the whole torrent
func (s *Selection) SingleFile() bool { return s.single }

// Paths returns the listed paths, sorted
func (s *Selection) Paths() []string {
	out := make([]string, 0, len(s.cur.paths))
	for p := range s.cur.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Wanted returns a copy of the wanted piece set
func (s *Selection) Wanted() *bitset.BitSet {
	return s.cur.wanted.Clone()
}

func (s *Selection) IsWanted(piece int) bool {
	return piece >= 0 && s.cur.wanted.Test(uint(piece))
}

func (s *Selection) WantedCount() int {
	return int(s.cur.wanted.Count())
}

func (s *Selection) WantedFile(i int) bool {
	return i >= 0 && i < len(s.cur.wantedFiles) && s.cur.wantedFiles[i]
}

// WantedFiles lists the indexes of wanted files, zero length files included
func (s *Selection) WantedFiles() []int {
	var out []int
	for i, w := range s.cur.wantedFiles {
		if w {
			out = append(out, i)
		}
	}
	return out
}

func (s *Selection) Summary() Summary {
	var sum Summary
	for _, i := range s.WantedFiles() {
		sum.Files++
		sum.Bytes += s.layout.File(i).Length
	}
	return sum
}
