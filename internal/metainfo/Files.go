package metainfo

import (
	"fmt"
	"strings"
)

// File is one entry of the torrent's file list.
// Path is slash separated and relative to the torrent's root directory.
// Single file torrents carry one synthetic entry named after the torrent.
type File struct {
	Path   string
	Length int64
}

func (f File) String() string {
	return fmt.Sprintf("File: %s (%d)", f.Path, f.Length)
}

// Components splits the path back into the components from the torrent file
func (f File) Components() []string {
	return strings.Split(f.Path, "/")
}

type Files []File

func (f Files) String() string {
	var s string
	for _, file := range f {
		s += fmt.Sprintf("%s\n", file)
	}
	return s
}

// TotalLength sums the length of every file
func (f Files) TotalLength() int64 {
	var total int64
	for _, file := range f {
		total += file.Length
	}
	return total
}
