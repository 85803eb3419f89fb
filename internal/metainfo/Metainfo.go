package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"math"
	"os"
	"path"
	"strings"
	"time"

	"torrent-layout/internal/constants"
	"torrent-layout/internal/utils"

	"github.com/jackpal/bencode-go"
	zbencode "github.com/zeebo/bencode"
)

// Metainfo is the validated content of a .torrent file.
// It is never mutated after Parse or FromValue return it.
//
// There is a key 'length' or a key 'files', but not both or neither.
// If length is present then the download represents a single file
// otherwise it represents a set of files which go in a directory structure.
type Metainfo struct {
	infoHash     Hash
	name         string
	announce     string
	announceList [][]string
	comment      string
	createdBy    string
	creationDate int64
	private      bool

	pieceLength int64
	pieceHashes []Hash
	files       Files
	singleFile  bool
	totalSize   int64
}

// Load reads and parses a .torrent file from disk
func Load(filename string) (*Metainfo, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filename, err)
	}
	return Parse(data)
}

// rawTorrent keeps the info dictionary as it appeared on the wire. The info
// hash must be taken over those exact bytes, a re-encoding may reorder keys
// or normalise integers.
type rawTorrent struct {
	Info zbencode.RawMessage `bencode:"info"`
}

// Parse decodes a raw .torrent buffer and validates it.
// The info hash is the SHA-1 of the info dictionary's original bytes.
func Parse(raw []byte) (*Metainfo, error) {
	if len(raw) == 0 {
		return nil, decodeError("empty input")
	}
	if raw[0] != 'd' {
		return nil, decodeError("top level value is not a dictionary")
	}
	if err := checkNesting(raw); err != nil {
		return nil, err
	}

	var top rawTorrent
	dec := zbencode.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&top); err != nil {
		return nil, decodeError("%v", err)
	}
	if n := dec.BytesParsed(); n != len(raw) {
		return nil, decodeError("%d bytes of trailing data", len(raw)-n)
	}

	decoded, err := bencode.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, decodeError("%v", err)
	}
	return FromValue(decoded, top.Info)
}

// FromValue validates an already decoded torrent. infoRaw must be the exact
// bytes the info dictionary was decoded from.
func FromValue(decoded any, infoRaw []byte) (*Metainfo, error) {
	root, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, invalid("", ErrWrongType, "top level value is %T, want dictionary", decoded)
	}

	m := &Metainfo{}
	var err error

	if m.announce, _, err = optString(root, "announce"); err != nil {
		return nil, err
	}
	if m.announceList, err = announceList(root); err != nil {
		return nil, err
	}
	if m.comment, _, err = optString(root, "comment"); err != nil {
		return nil, err
	}
	if m.createdBy, _, err = optString(root, "created by"); err != nil {
		return nil, err
	}
	if m.creationDate, _, err = optInt(root, "creation date"); err != nil {
		return nil, err
	}

	rawInfo, ok := root["info"]
	if !ok {
		return nil, invalid("info", ErrMissingKey, "")
	}
	info, ok := rawInfo.(map[string]interface{})
	if !ok {
		return nil, invalid("info", ErrWrongType, "got %T, want dictionary", rawInfo)
	}
	if len(infoRaw) == 0 {
		return nil, invalid("info", ErrMissingKey, "original info bytes not provided")
	}

	if err := m.parseInfo(info); err != nil {
		return nil, err
	}
	m.infoHash = sha1.Sum(infoRaw)
	return m, nil
}

func (m *Metainfo) parseInfo(info map[string]interface{}) error {
	pieceLength, err := reqInt(info, "piece length")
	if err != nil {
		return err
	}
	if pieceLength <= 0 {
		return invalid("piece length", ErrPieceLength, "got %d", pieceLength)
	}
	m.pieceLength = pieceLength

	pieces, err := reqString(info, "pieces")
	if err != nil {
		return err
	}
	if len(pieces) == 0 || len(pieces)%constants.HASH_SIZE != 0 {
		return invalid("pieces", ErrPieces, "got %d bytes", len(pieces))
	}
	// pieces maps to a string whose length is a multiple of 20.
	// It is to be subdivided into strings of length 20, each of which is the SHA1 hash of the piece at the corresponding index.
	split, err := utils.SplitStringToBytes(pieces, constants.HASH_SIZE)
	if err != nil {
		return invalid("pieces", ErrPieces, "%v", err)
	}
	m.pieceHashes = make([]Hash, len(split))
	for i, h := range split {
		copy(m.pieceHashes[i][:], h)
	}

	name, err := reqString(info, "name")
	if err != nil {
		return err
	}
	if err := checkComponent("name", name); err != nil {
		return err
	}
	m.name = name

	private, _, err := optInt(info, "private")
	if err != nil {
		return err
	}
	m.private = private == 1

	_, hasLength := info["length"]
	_, hasFiles := info["files"]
	switch {
	case hasLength && hasFiles:
		return invalid("info", ErrFileMode, "both length and files present")
	case !hasLength && !hasFiles:
		return invalid("info", ErrFileMode, "neither length nor files present")
	case hasLength:
		length, err := reqInt(info, "length")
		if err != nil {
			return err
		}
		if length <= 0 {
			return invalid("length", ErrFileLength, "got %d", length)
		}
		m.singleFile = true
		m.files = Files{{Path: name, Length: length}}
	default:
		files, err := parseFiles(info["files"])
		if err != nil {
			return err
		}
		m.files = files
	}

	m.totalSize = m.files.TotalLength()
	if m.totalSize <= 0 {
		return invalid("files", ErrSizeMismatch, "torrent has no data")
	}
	want := utils.CeilDiv(m.totalSize, m.pieceLength)
	if int64(len(m.pieceHashes)) != want {
		return invalid("pieces", ErrSizeMismatch, "%d hashes for %d bytes at piece length %d, want %d",
			len(m.pieceHashes), m.totalSize, m.pieceLength, want)
	}
	return nil
}

func parseFiles(value interface{}) (Files, error) {
	list, ok := value.([]interface{})
	if !ok {
		return nil, invalid("files", ErrWrongType, "got %T, want list", value)
	}
	if len(list) == 0 {
		return nil, invalid("files", ErrFileMode, "empty file list")
	}

	files := make(Files, 0, len(list))
	seen := make(map[string]int, len(list))
	var total int64
	for i, entry := range list {
		key := fmt.Sprintf("files[%d]", i)
		dict, ok := entry.(map[string]interface{})
		if !ok {
			return nil, invalid(key, ErrWrongType, "got %T, want dictionary", entry)
		}

		length, err := reqInt(dict, "length")
		if err != nil {
			return nil, withKey(err, key+".length")
		}
		if length < 0 {
			return nil, invalid(key+".length", ErrFileLength, "got %d", length)
		}
		if length > math.MaxInt64-total {
			return nil, invalid(key+".length", ErrSizeMismatch, "total size overflows after %d bytes", total)
		}
		total += length

		rawPath, ok := dict["path"]
		if !ok {
			return nil, invalid(key+".path", ErrMissingKey, "")
		}
		components, ok := rawPath.([]interface{})
		if !ok {
			return nil, invalid(key+".path", ErrWrongType, "got %T, want list", rawPath)
		}
		if len(components) == 0 {
			return nil, invalid(key+".path", ErrUnsafePath, "empty path")
		}
		parts := make([]string, len(components))
		for j, c := range components {
			s, ok := c.(string)
			if !ok {
				return nil, invalid(key+".path", ErrWrongType, "component %d is %T, want string", j, c)
			}
			if err := checkComponent(key+".path", s); err != nil {
				return nil, err
			}
			parts[j] = s
		}

		p := path.Join(parts...)
		if prev, dup := seen[p]; dup {
			return nil, invalid(key+".path", ErrDuplicatePath, "%q also used by files[%d]", p, prev)
		}
		seen[p] = i
		files = append(files, File{Path: p, Length: length})
	}
	return files, nil
}

// checkComponent rejects path components that could escape the download directory
func checkComponent(key, c string) error {
	switch {
	case c == "":
		return invalid(key, ErrUnsafePath, "empty component")
	case c == "." || c == "..":
		return invalid(key, ErrUnsafePath, "component %q", c)
	case strings.ContainsAny(c, "/\\\x00"):
		return invalid(key, ErrUnsafePath, "component %q contains a separator", c)
	}
	return nil
}

func announceList(root map[string]interface{}) ([][]string, error) {
	value, ok := root["announce-list"]
	if !ok {
		return nil, nil
	}
	tiers, ok := value.([]interface{})
	if !ok {
		return nil, invalid("announce-list", ErrWrongType, "got %T, want list", value)
	}
	out := make([][]string, 0, len(tiers))
	for _, tier := range tiers {
		urls, ok := tier.([]interface{})
		if !ok {
			return nil, invalid("announce-list", ErrWrongType, "tier is %T, want list", tier)
		}
		list := make([]string, 0, len(urls))
		for _, u := range urls {
			s, ok := u.(string)
			if !ok {
				return nil, invalid("announce-list", ErrWrongType, "url is %T, want string", u)
			}
			list = append(list, s)
		}
		out = append(out, list)
	}
	return out, nil
}

func withKey(err error, key string) error {
	if v, ok := err.(*ValidationError); ok {
		return &ValidationError{Key: key, Kind: v.Kind, Detail: v.Detail}
	}
	return err
}

func toInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		if n > 1<<63-1 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

func reqInt(dict map[string]interface{}, key string) (int64, error) {
	v, ok := dict[key]
	if !ok {
		return 0, invalid(key, ErrMissingKey, "")
	}
	n, ok := toInt(v)
	if !ok {
		return 0, invalid(key, ErrWrongType, "got %T, want integer", v)
	}
	return n, nil
}

func reqString(dict map[string]interface{}, key string) (string, error) {
	v, ok := dict[key]
	if !ok {
		return "", invalid(key, ErrMissingKey, "")
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid(key, ErrWrongType, "got %T, want byte string", v)
	}
	return s, nil
}

func optInt(dict map[string]interface{}, key string) (int64, bool, error) {
	if _, ok := dict[key]; !ok {
		return 0, false, nil
	}
	n, err := reqInt(dict, key)
	return n, err == nil, err
}

func optString(dict map[string]interface{}, key string) (string, bool, error) {
	if _, ok := dict[key]; !ok {
		return "", false, nil
	}
	s, err := reqString(dict, key)
	return s, err == nil, err
}

/* Accessors */

func (m *Metainfo) InfoHash() Hash     { return m.infoHash }
func (m *Metainfo) Name() string       { return m.name }
func (m *Metainfo) Announce() string   { return m.announce }
func (m *Metainfo) Comment() string    { return m.comment }
func (m *Metainfo) CreatedBy() string  { return m.createdBy }
func (m *Metainfo) Private() bool      { return m.private }
func (m *Metainfo) PieceLength() int64 { return m.pieceLength }
func (m *Metainfo) NumPieces() int     { return len(m.pieceHashes) }
func (m *Metainfo) TotalSize() int64   { return m.totalSize }
func (m *Metainfo) SingleFile() bool   { return m.singleFile }

func (m *Metainfo) CreationDate() time.Time {
	if m.creationDate == 0 {
		return time.Time{}
	}
	return time.Unix(m.creationDate, 0)
}

// AnnounceList returns a copy of the tracker tiers
func (m *Metainfo) AnnounceList() [][]string {
	out := make([][]string, len(m.announceList))
	for i, tier := range m.announceList {
		out[i] = append([]string(nil), tier...)
	}
	return out
}

// PieceHash returns the expected digest of piece i
func (m *Metainfo) PieceHash(i int) Hash {
	return m.pieceHashes[i]
}

// Files returns a copy of the file list in declared order
func (m *Metainfo) Files() Files {
	return append(Files(nil), m.files...)
}

// LastPieceLength is the length of the final, possibly truncated, piece
func (m *Metainfo) LastPieceLength() int64 {
	return m.totalSize - int64(len(m.pieceHashes)-1)*m.pieceLength
}

func (m *Metainfo) String() string {
	return fmt.Sprintf("Torrent: %s\nFiles: \n%sInfoHash: %s\nPieces: %d\nLength:%v\nPieceLength:%v",
		m.name, m.files, m.infoHash, len(m.pieceHashes), m.totalSize, m.pieceLength)
}
