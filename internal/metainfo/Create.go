package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"strings"

	"github.com/jackpal/bencode-go"
)

// Content is a file to be described by a new torrent
type Content struct {
	Path string // slash separated, relative to the torrent root
	Data []byte
}

type CreateOptions struct {
	Announce    string
	Name        string
	PieceLength int64
	// Single produces a single file torrent. Exactly one Content is required
	// and its Path is ignored in favour of Name.
	Single  bool
	Comment string
}

// Create builds a bencoded .torrent for the given contents.
// Pieces are hashed over the concatenation of all files in order.
func Create(opts CreateOptions, contents []Content) ([]byte, error) {
	if opts.PieceLength <= 0 {
		return nil, fmt.Errorf("piece length must be positive, got %d", opts.PieceLength)
	}
	if opts.Single && len(contents) != 1 {
		return nil, fmt.Errorf("single file torrent needs exactly one file, got %d", len(contents))
	}

	var all bytes.Buffer
	for _, c := range contents {
		all.Write(c.Data)
	}
	data := all.Bytes()

	var pieces bytes.Buffer
	for start := 0; start < len(data); start += int(opts.PieceLength) {
		end := min(start+int(opts.PieceLength), len(data))
		sum := sha1.Sum(data[start:end])
		pieces.Write(sum[:])
	}

	info := map[string]interface{}{
		"name":         opts.Name,
		"piece length": opts.PieceLength,
		"pieces":       pieces.String(),
	}
	if opts.Single {
		info["length"] = int64(len(contents[0].Data))
	} else {
		files := make([]interface{}, len(contents))
		for i, c := range contents {
			components := make([]interface{}, 0)
			for _, part := range strings.Split(c.Path, "/") {
				components = append(components, part)
			}
			files[i] = map[string]interface{}{
				"length": int64(len(c.Data)),
				"path":   components,
			}
		}
		info["files"] = files
	}

	root := map[string]interface{}{
		"info": info,
	}
	if opts.Announce != "" {
		root["announce"] = opts.Announce
	}
	if opts.Comment != "" {
		root["comment"] = opts.Comment
	}

	var out bytes.Buffer
	if err := bencode.Marshal(&out, root); err != nil {
		return nil, fmt.Errorf("encoding torrent: %w", err)
	}
	return out.Bytes(), nil
}
