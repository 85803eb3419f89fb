// Package dispatcher owns every torrent session. All commands run one at a
// time on the goroutine that calls Run, in the order they were submitted.
// Other goroutines only submit commands and read the results; disk work runs
// in the background and reports back through the same queue.
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"torrent-layout/internal/config"
	"torrent-layout/internal/layout"
	"torrent-layout/internal/lib"
	"torrent-layout/internal/metainfo"
	"torrent-layout/internal/selection"
	"torrent-layout/internal/session"
	"torrent-layout/internal/storage"
	"torrent-layout/internal/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/willf/bitset"
	"golang.org/x/time/rate"
)

var (
	ErrUnknownTorrent = errors.New("unknown torrent")
	ErrAlreadyAdded   = errors.New("torrent already added")
	ErrState          = errors.New("command not allowed in this state")
	ErrClosed         = errors.New("dispatcher closed")
)

// Storage is the disk side of the dispatcher. Its methods are called from
// background goroutines, never from the dispatcher itself.
type Storage interface {
	Check(ctx context.Context, t storage.Target) (*bitset.BitSet, error)
	WritePiece(t storage.Target, p int, data []byte) error
	Allocate(t storage.Target, files []int) error
}

type Option func(*Dispatcher)

func WithLogger(log *logrus.Entry) Option {
	return func(d *Dispatcher) { d.log = log }
}

func WithStorage(s Storage) Option {
	return func(d *Dispatcher) { d.storage = s }
}

type Dispatcher struct {
	cfg      config.Config
	log      *logrus.Entry
	storage  Storage
	queue    *lib.Queue[*Command]
	progress *rate.Limiter

	// owned by the Run goroutine
	ctx      context.Context
	torrents map[metainfo.Hash]*torrent
	lastDir  string
	bg       sync.WaitGroup
}

func New(cfg config.Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		queue:    lib.NewQueue[*Command](),
		progress: rate.NewLimiter(rate.Every(cfg.ProgressLogEvery.Duration), 1),
		torrents: make(map[metainfo.Hash]*torrent),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = logrus.NewEntry(cfg.Logger())
	}
	if d.storage == nil {
		d.storage = storage.New(cfg.CheckWorkers, d.log)
	}
	return d
}

// Submit queues c without blocking and returns the channel its result will
// arrive on. After Run has returned the result is ErrClosed.
func (d *Dispatcher) Submit(c Command) <-chan Result {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.reply = make(chan Result, 1)
	cmd := &c
	if !d.queue.Push(cmd) {
		cmd.respond(nil, ErrClosed)
	}
	return cmd.reply
}

// post queues a follow-up from background work. Nobody waits for its result.
func (d *Dispatcher) post(c *Command) {
	c.ID = uuid.New()
	if !d.queue.Push(c) {
		d.log.WithField("command", c.Kind).Debug("Dispatcher closed, dropping follow-up")
	}
}

func (c *Command) respond(v any, err error) {
	if c.reply != nil {
		c.reply <- Result{ID: c.ID, Value: v, Err: err}
	}
}

// Run executes commands until ctx is cancelled. It must be called once.
// Commands still queued at that point fail with ErrClosed.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.queue.Closed() {
		return ErrClosed
	}
	d.ctx = ctx
	d.log.Info("Dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case <-d.queue.Ready():
			for _, c := range d.queue.Drain() {
				d.handle(c)
			}
		}
	}
}

func (d *Dispatcher) shutdown() {
	for _, c := range d.queue.Close() {
		c.respond(nil, ErrClosed)
	}
	for _, t := range d.torrents {
		if t.cancel != nil {
			t.cancel()
		}
		for _, c := range t.pending {
			c.respond(nil, ErrClosed)
		}
		t.pending = nil
	}
	d.bg.Wait()
	d.log.WithField("torrents", len(d.torrents)).Info("Dispatcher stopped")
}

func (d *Dispatcher) handle(c *Command) {
	log := d.log.WithFields(logrus.Fields{
		"command": c.Kind,
		"cmd_id":  c.ID,
	})
	if c.Hash != (metainfo.Hash{}) {
		log = log.WithField("info_hash", c.Hash)
	}
	log.Debug("Handling command")

	switch c.Kind {
	case KindAdd:
		c.respond(d.add(c, log))
	case KindList:
		c.respond(d.list(), nil)
	case KindLastDownloadDir:
		c.respond(d.lastDir, nil)
	case kindChecked:
		d.checked(c, log)
	case kindDiskFailed:
		d.diskFailed(c, log)
	default:
		t, ok := d.torrents[c.Hash]
		if !ok {
			c.respond(nil, fmt.Errorf("%w: %s", ErrUnknownTorrent, c.Hash))
			return
		}
		d.apply(t, c, log)
	}
}

// apply runs a command against an existing torrent
func (d *Dispatcher) apply(t *torrent, c *Command, log *logrus.Entry) {
	s := t.session
	switch c.Kind {
	case KindProgress:
		c.respond(s.Progress(), nil)
	case KindPieceRanges:
		ranges, err := s.Layout.PieceRanges(c.Piece)
		if err != nil {
			c.respond(nil, err)
			return
		}
		c.respond(ranges, nil)
	case KindLayout:
		c.respond(s.Layout, nil)
	case KindSnapshot:
		c.respond(t.snapshot(), nil)
	case KindBitfield:
		c.respond(s.Bitfield(), nil)
	case KindHave:
		msg, err := s.Have(c.Piece)
		if err != nil {
			c.respond(nil, err)
			return
		}
		c.respond(msg, nil)
	case KindRemove:
		d.remove(t, log)
		c.respond(nil, nil)
	case KindSelectFiles, KindPause, KindResume, KindPieceCompleted:
		if t.state == Added || t.state == Validating {
			t.pending = append(t.pending, c)
			log.WithField("queued", len(t.pending)).Debug("Torrent is validating, command queued")
			return
		}
		c.respond(d.mutate(t, c, log))
	default:
		c.respond(nil, fmt.Errorf("unsupported command %v", c.Kind))
	}
}

func (d *Dispatcher) mutate(t *torrent, c *Command, log *logrus.Entry) (any, error) {
	switch c.Kind {
	case KindSelectFiles:
		return nil, d.selectFiles(t, c, log)
	case KindPause:
		switch t.state {
		case Paused:
			return nil, nil
		case Ready, Active:
			d.setState(t, Paused, log)
			return nil, nil
		}
	case KindResume:
		switch t.state {
		case Active:
			return nil, nil
		case Ready, Paused:
			d.setState(t, Active, log)
			d.allocate(t)
			return nil, nil
		}
	case KindPieceCompleted:
		switch t.state {
		case Ready, Active, Paused:
			return nil, d.pieceCompleted(t, c, log)
		}
	}
	return nil, fmt.Errorf("%w: %s while %s", ErrState, c.Kind, t.state)
}

func (d *Dispatcher) setState(t *torrent, to State, log *logrus.Entry) {
	if t.state == to {
		return
	}
	log.WithFields(logrus.Fields{
		"info_hash": t.hash(),
		"from":      t.state,
		"to":        to,
	}).Debug("State changed")
	t.state = to
}

func (d *Dispatcher) add(c *Command, log *logrus.Entry) (any, error) {
	m, err := metainfo.Parse(c.Raw)
	if err != nil {
		log.WithError(err).Warn("Rejected torrent")
		return nil, err
	}
	h := m.InfoHash()
	if _, ok := d.torrents[h]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAdded, h)
	}
	dir, err := d.downloadDir(c.Dir)
	if err != nil {
		return nil, err
	}
	d.lastDir = dir

	t := &torrent{
		gen:     c.ID,
		session: session.New(m, layout.New(m), dir),
		state:   Added,
	}
	d.torrents[h] = t
	log.WithFields(logrus.Fields{
		"info_hash": h,
		"name":      m.Name(),
		"size":      utils.HumanizeSize(m.TotalSize()),
		"pieces":    m.NumPieces(),
		"dir":       dir,
	}).Info("Torrent added")

	d.validate(t, log)
	return h, nil
}

// downloadDir picks where a torrent goes when the caller did not say
func (d *Dispatcher) downloadDir(dir string) (string, error) {
	switch {
	case dir != "":
		return dir, nil
	case d.lastDir != "":
		return d.lastDir, nil
	case d.cfg.DownloadDir != "":
		return d.cfg.DownloadDir, nil
	}
	return os.Getwd()
}

// validate checks data already on disk in the background. The result comes
// back as a kindChecked command.
func (d *Dispatcher) validate(t *torrent, log *logrus.Entry) {
	d.setState(t, Validating, log)
	ctx, cancel := context.WithCancel(d.ctx)
	t.cancel = cancel

	target, gen, h := t.target(), t.gen, t.hash()
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		found, err := d.storage.Check(ctx, target)
		d.post(&Command{Kind: kindChecked, Hash: h, gen: gen, found: found, err: err})
	}()
}

func (d *Dispatcher) checked(c *Command, log *logrus.Entry) {
	t, ok := d.torrents[c.Hash]
	if !ok || t.gen != c.gen || t.state != Validating {
		log.Debug("Stale check result dropped")
		return
	}
	t.cancel()
	t.cancel = nil

	if c.err != nil {
		t.lastErr = c.err
		log.WithError(c.err).Warn("Checking existing data failed, starting from scratch")
	} else {
		t.session.ApplyVerified(c.found)
	}
	t.complete = t.session.Complete()
	d.setState(t, Ready, log)
	log.WithField("verified", t.session.Verified().Count()).Info("Torrent ready")

	if d.cfg.AutoStart {
		d.setState(t, Active, log)
		d.allocate(t)
	}

	pending := t.pending
	t.pending = nil
	for _, p := range pending {
		d.handle(p)
	}
}

func (d *Dispatcher) selectFiles(t *torrent, c *Command, log *logrus.Entry) error {
	switch t.state {
	case Ready, Active, Paused:
	default:
		return fmt.Errorf("%w: %w: select_files while %s", selection.ErrSelection, ErrState, t.state)
	}
	prev := t.state
	d.setState(t, Selecting, log)
	err := t.session.Select(c.Mode, c.Paths)
	d.setState(t, prev, log)
	if err != nil {
		return err
	}

	t.complete = t.session.Complete()
	sum := t.session.Selection().Summary()
	log.WithFields(logrus.Fields{
		"mode":   c.Mode,
		"files":  sum.Files,
		"size":   utils.HumanizeSize(sum.Bytes),
		"pieces": t.session.Selection().WantedCount(),
	}).Info("Selection changed")
	if t.state == Active {
		d.allocate(t)
	}
	return nil
}

func (d *Dispatcher) pieceCompleted(t *torrent, c *Command, log *logrus.Entry) error {
	s := t.session
	if err := s.MarkDownloaded(c.Piece); err != nil {
		return err
	}
	if err := s.Verify(c.Piece, c.Data); err != nil {
		log.WithError(err).WithField("piece", c.Piece).Warn("Piece failed verification")
		return err
	}
	// the submitter may reuse its buffer as soon as it has the reply
	d.write(t, c.Piece, bytes.Clone(c.Data))

	if d.progress.Allow() {
		pr := s.Progress()
		log.WithFields(logrus.Fields{
			"percent":  fmt.Sprintf("%.1f", pr.PercentComplete),
			"verified": utils.HumanizeSize(pr.VerifiedBytes),
			"wanted":   utils.HumanizeSize(pr.WantedBytes),
		}).Info("Progress")
	}
	if !t.complete && s.Complete() {
		t.complete = true
		log.Info("All wanted pieces verified")
	}
	return nil
}

// write stores a verified piece in the background; a failure resets the piece
func (d *Dispatcher) write(t *torrent, p int, data []byte) {
	target, gen, h := t.target(), t.gen, t.hash()
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		if err := d.storage.WritePiece(target, p, data); err != nil {
			d.post(&Command{Kind: kindDiskFailed, Hash: h, gen: gen, Piece: p, err: err})
		}
	}()
}

// allocate creates the wanted files in the background
func (d *Dispatcher) allocate(t *torrent) {
	target, gen, h := t.target(), t.gen, t.hash()
	files := t.session.Selection().WantedFiles()
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		if err := d.storage.Allocate(target, files); err != nil {
			d.post(&Command{Kind: kindDiskFailed, Hash: h, gen: gen, Piece: -1, err: err})
		}
	}()
}

func (d *Dispatcher) diskFailed(c *Command, log *logrus.Entry) {
	t, ok := d.torrents[c.Hash]
	if !ok || t.gen != c.gen {
		return
	}
	t.lastErr = c.err
	if c.Piece < 0 {
		log.WithError(c.err).Error("Allocating files failed")
		return
	}
	if err := t.session.Reset(c.Piece); err != nil {
		log.WithError(err).Error("Resetting piece failed")
		return
	}
	t.complete = false
	log.WithError(c.err).WithField("piece", c.Piece).Error("Writing piece failed, piece reset")
}

func (d *Dispatcher) remove(t *torrent, log *logrus.Entry) {
	h := t.hash()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	for _, c := range t.pending {
		c.respond(nil, fmt.Errorf("%w: %s was removed", ErrUnknownTorrent, h))
	}
	t.pending = nil
	d.setState(t, Removed, log)
	delete(d.torrents, h)
	log.WithField("name", t.session.Meta.Name()).Info("Torrent removed")
}

func (t *torrent) snapshot() Snapshot {
	s := t.session
	snap := Snapshot{
		InfoHash: t.hash(),
		Name:     s.Meta.Name(),
		State:    t.state,
		Dir:      s.Dir,
		Size:     s.Layout.TotalSize(),
		Pieces:   s.Layout.NumPieces(),
		Mode:     s.Selection().Mode().String(),
		Selected: s.Selection().Paths(),
		Progress: s.Progress(),
		Complete: s.Complete(),
		Queued:   len(t.pending),
	}
	if t.lastErr != nil {
		snap.LastError = t.lastErr.Error()
	}
	return snap
}

func (d *Dispatcher) list() []Snapshot {
	out := make([]Snapshot, 0, len(d.torrents))
	for _, t := range d.torrents {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].InfoHash.String() < out[j].InfoHash.String()
	})
	return out
}
