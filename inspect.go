package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"unicode/utf8"

	"torrent-layout/internal/layout"
	"torrent-layout/internal/metainfo"
	"torrent-layout/internal/utils"

	"github.com/jackpal/bencode-go"
)

// inspectTorrent prints the metadata of a .torrent file and the pieces each file spans
func inspectTorrent(w io.Writer, filename string) error {
	m, err := metainfo.Load(filename)
	if err != nil {
		return err
	}
	l := layout.New(m)

	fmt.Fprintf(w, "name:       %s\n", m.Name())
	fmt.Fprintf(w, "info hash:  %s\n", m.InfoHash())
	fmt.Fprintf(w, "size:       %s (%d bytes)\n", utils.HumanizeSize(m.TotalSize()), m.TotalSize())
	fmt.Fprintf(w, "pieces:     %d x %s, last %s\n", m.NumPieces(), utils.HumanizeSize(m.PieceLength()), utils.HumanizeSize(m.LastPieceLength()))
	if m.Announce() != "" {
		fmt.Fprintf(w, "announce:   %s\n", m.Announce())
	}
	if m.Comment() != "" {
		fmt.Fprintf(w, "comment:    %s\n", m.Comment())
	}
	if m.Private() {
		fmt.Fprintln(w, "private:    yes")
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nFILE\tSIZE\tOFFSET\tPIECES")
	for _, e := range l.Files() {
		pieces := "-"
		if first, last, ok := l.FilePieces(e.Index); ok {
			pieces = fmt.Sprintf("%d-%d", first, last)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.Path, utils.HumanizeSize(e.Length), e.Offset, pieces)
	}
	return tw.Flush()
}

// dumpTorrent prints the decoded bencode of a .torrent file as JSON.
// Strings that are not valid UTF-8, such as the piece hashes, are hex encoded.
func dumpTorrent(w io.Writer, filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	decoded, err := bencode.Decode(f)
	if err != nil {
		return fmt.Errorf("%w: %v", metainfo.ErrDecode, err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(printable(decoded))
}

func printable(v any) any {
	switch v := v.(type) {
	case string:
		if !utf8.ValidString(v) {
			return "hex:" + hex.EncodeToString([]byte(v))
		}
		return v
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = printable(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = printable(item)
		}
		return out
	}
	return v
}
