package dispatcher

import (
	"context"
	"fmt"

	"torrent-layout/internal/layout"
	"torrent-layout/internal/metainfo"
	message "torrent-layout/internal/peerMessage"
	"torrent-layout/internal/selection"
	"torrent-layout/internal/session"

	"github.com/google/uuid"
	"github.com/willf/bitset"
)

type Kind int

const (
	KindAdd Kind = iota
	KindSelectFiles
	KindPause
	KindResume
	KindRemove
	KindProgress
	KindPieceRanges
	KindLayout
	KindSnapshot
	KindList
	KindPieceCompleted
	KindLastDownloadDir
	KindBitfield
	KindHave

	// follow-ups posted by background work
	kindChecked
	kindDiskFailed
)

var kindNames = map[Kind]string{
	KindAdd:             "add",
	KindSelectFiles:     "select_files",
	KindPause:           "pause",
	KindResume:          "resume",
	KindRemove:          "remove",
	KindProgress:        "progress",
	KindPieceRanges:     "piece_to_file_ranges",
	KindLayout:          "layout",
	KindSnapshot:        "snapshot",
	KindList:            "list",
	KindPieceCompleted:  "piece_completed",
	KindLastDownloadDir: "last_download_dir",
	KindBitfield:        "bitfield",
	KindHave:            "have",
	kindChecked:         "checked",
	kindDiskFailed:      "disk_failed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Command is one request to the dispatcher. Only the fields its Kind uses
// need to be set.
type Command struct {
	ID   uuid.UUID
	Kind Kind
	Hash metainfo.Hash

	Raw   []byte // add
	Dir   string // add
	Mode  selection.Mode
	Paths []string
	Piece int
	Data  []byte

	gen   uuid.UUID
	found *bitset.BitSet
	err   error
	reply chan Result
}

// Result answers a Command. Value holds the query result, if any.
type Result struct {
	ID    uuid.UUID
	Value any
	Err   error
}

// Snapshot is a copy of a torrent's state, safe to hand to other goroutines
type Snapshot struct {
	InfoHash  metainfo.Hash    `json:"info_hash"`
	Name      string           `json:"name"`
	State     State            `json:"state"`
	Dir       string           `json:"dir"`
	Size      int64            `json:"size"`
	Pieces    int              `json:"pieces"`
	Mode      string           `json:"mode"`
	Selected  []string         `json:"selected,omitempty"`
	Progress  session.Progress `json:"progress"`
	Complete  bool             `json:"complete"`
	Queued    int              `json:"queued"`
	LastError string           `json:"last_error,omitempty"`
}

func (d *Dispatcher) do(ctx context.Context, c Command) (any, error) {
	select {
	case r := <-d.Submit(c):
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Add parses raw torrent bytes and registers the torrent. An empty dir
// falls back to the last directory used.
func (d *Dispatcher) Add(ctx context.Context, raw []byte, dir string) (metainfo.Hash, error) {
	v, err := d.do(ctx, Command{Kind: KindAdd, Raw: raw, Dir: dir})
	if err != nil {
		return metainfo.Hash{}, err
	}
	return v.(metainfo.Hash), nil
}

func (d *Dispatcher) SelectFiles(ctx context.Context, h metainfo.Hash, mode selection.Mode, paths []string) error {
	_, err := d.do(ctx, Command{Kind: KindSelectFiles, Hash: h, Mode: mode, Paths: paths})
	return err
}

func (d *Dispatcher) Pause(ctx context.Context, h metainfo.Hash) error {
	_, err := d.do(ctx, Command{Kind: KindPause, Hash: h})
	return err
}

func (d *Dispatcher) Resume(ctx context.Context, h metainfo.Hash) error {
	_, err := d.do(ctx, Command{Kind: KindResume, Hash: h})
	return err
}

// Remove forgets the torrent. Files already written stay on disk.
func (d *Dispatcher) Remove(ctx context.Context, h metainfo.Hash) error {
	_, err := d.do(ctx, Command{Kind: KindRemove, Hash: h})
	return err
}

func (d *Dispatcher) Progress(ctx context.Context, h metainfo.Hash) (session.Progress, error) {
	v, err := d.do(ctx, Command{Kind: KindProgress, Hash: h})
	if err != nil {
		return session.Progress{}, err
	}
	return v.(session.Progress), nil
}

func (d *Dispatcher) PieceToFileRanges(ctx context.Context, h metainfo.Hash, p int) ([]layout.Range, error) {
	v, err := d.do(ctx, Command{Kind: KindPieceRanges, Hash: h, Piece: p})
	if err != nil {
		return nil, err
	}
	return v.([]layout.Range), nil
}

// Layout returns the torrent's layout. It is immutable and may be read
// from any goroutine.
func (d *Dispatcher) Layout(ctx context.Context, h metainfo.Hash) (*layout.Layout, error) {
	v, err := d.do(ctx, Command{Kind: KindLayout, Hash: h})
	if err != nil {
		return nil, err
	}
	return v.(*layout.Layout), nil
}

func (d *Dispatcher) Snapshot(ctx context.Context, h metainfo.Hash) (Snapshot, error) {
	v, err := d.do(ctx, Command{Kind: KindSnapshot, Hash: h})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// List returns a snapshot of every torrent, ordered by name
func (d *Dispatcher) List(ctx context.Context) ([]Snapshot, error) {
	v, err := d.do(ctx, Command{Kind: KindList})
	if err != nil {
		return nil, err
	}
	return v.([]Snapshot), nil
}

// PieceCompleted hands over the bytes of piece p once they have all arrived.
// A piece that fails its hash check is reported with session.ErrHashMismatch
// and may be fetched again. data is copied before it is written, so the
// caller may reuse it once PieceCompleted returns.
func (d *Dispatcher) PieceCompleted(ctx context.Context, h metainfo.Hash, p int, data []byte) error {
	_, err := d.do(ctx, Command{Kind: KindPieceCompleted, Hash: h, Piece: p, Data: data})
	return err
}

func (d *Dispatcher) LastDownloadDir(ctx context.Context) (string, error) {
	v, err := d.do(ctx, Command{Kind: KindLastDownloadDir})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Bitfield returns the verified pieces in peer wire order
func (d *Dispatcher) Bitfield(ctx context.Context, h metainfo.Hash) (message.Bitfield, error) {
	v, err := d.do(ctx, Command{Kind: KindBitfield, Hash: h})
	if err != nil {
		return nil, err
	}
	return v.(message.Bitfield), nil
}

// Have returns the HAVE message announcing piece p, which must be verified
func (d *Dispatcher) Have(ctx context.Context, h metainfo.Hash, p int) (*message.Message, error) {
	v, err := d.do(ctx, Command{Kind: KindHave, Hash: h, Piece: p})
	if err != nil {
		return nil, err
	}
	return v.(*message.Message), nil
}
