package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"torrent-layout/internal/config"
	"torrent-layout/internal/layout"
	"torrent-layout/internal/metainfo"
	message "torrent-layout/internal/peerMessage"
	"torrent-layout/internal/selection"
	"torrent-layout/internal/session"
	"torrent-layout/internal/storage"

	"github.com/jackpal/bencode-go"
	"github.com/sirupsen/logrus"
	"github.com/willf/bitset"
)

const pieceLength = 262144

type fakeStorage struct {
	release  chan struct{}
	found    []uint
	checkErr error
	writeErr error

	mu        sync.Mutex
	written   map[int]int
	data      map[int][]byte
	allocated [][]int
}

func (f *fakeStorage) Check(ctx context.Context, t storage.Target) (*bitset.BitSet, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	found := bitset.New(uint(t.Layout.NumPieces()))
	for _, p := range f.found {
		found.Set(p)
	}
	return found, f.checkErr
}

func (f *fakeStorage) WritePiece(t storage.Target, p int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.written == nil {
		f.written = map[int]int{}
		f.data = map[int][]byte{}
	}
	f.written[p]++
	f.data[p] = data
	return f.writeErr
}

func (f *fakeStorage) stored(p int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[p]
}

func (f *fakeStorage) Allocate(t storage.Target, files []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocated = append(f.allocated, files)
	return nil
}

func (f *fakeStorage) allocations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.allocated)
}

type fixture struct {
	raw  []byte
	data []byte
}

// newFixture builds the two file torrent fileA (1,000,000 bytes) and
// fileB (500,000 bytes) with 262,144 byte pieces
func newFixture(t *testing.T, name string) fixture {
	t.Helper()
	rng := rand.New(rand.NewSource(int64(len(name))))
	a := make([]byte, 1000000)
	b := make([]byte, 500000)
	rng.Read(a)
	rng.Read(b)
	raw, err := metainfo.Create(metainfo.CreateOptions{Name: name, PieceLength: pieceLength},
		[]metainfo.Content{{Path: "fileA", Data: a}, {Path: "fileB", Data: b}})
	if err != nil {
		t.Fatal(err)
	}
	return fixture{raw: raw, data: append(a, b...)}
}

func (f fixture) piece(p int) []byte {
	start := p * pieceLength
	end := min(start+pieceLength, len(f.data))
	return append([]byte(nil), f.data[start:end]...)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.CheckWorkers = 2
	cfg.ProgressLogEvery = config.Duration{}
	return cfg
}

func quietLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func start(t *testing.T, cfg config.Config, s Storage) *Dispatcher {
	t.Helper()
	d := New(cfg, WithLogger(quietLogger()), WithStorage(s))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitState(t *testing.T, d *Dispatcher, h metainfo.Hash, want State) {
	t.Helper()
	eventually(t, "state "+want.String(), func() bool {
		snap, err := d.Snapshot(context.Background(), h)
		return err == nil && snap.State == want
	})
}

func addReady(t *testing.T, d *Dispatcher, f fixture) metainfo.Hash {
	t.Helper()
	h, err := d.Add(context.Background(), f.raw, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, d, h, Ready)
	return h
}

func pending(ch <-chan Result) bool {
	select {
	case <-ch:
		return false
	default:
		return true
	}
}

func await(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
	return Result{}
}

func TestAddAndQuery(t *testing.T) {
	ctx := context.Background()
	d := start(t, testConfig(), &fakeStorage{})
	h := addReady(t, d, newFixture(t, "album"))

	snap, err := d.Snapshot(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Name != "album" || snap.Size != 1500000 || snap.Pieces != 6 || snap.Mode != "blacklist" {
		t.Errorf("snapshot %+v", snap)
	}

	ranges, err := d.PieceToFileRanges(ctx, h, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranges) != 2 || ranges[0].Path != "fileA" || ranges[1].Path != "fileB" {
		t.Errorf("piece 3 maps to %+v, want fileA and fileB", ranges)
	}
	if ranges[0].Length+ranges[1].Length != pieceLength {
		t.Errorf("ranges cover %d bytes", ranges[0].Length+ranges[1].Length)
	}

	l, err := d.Layout(ctx, h)
	if err != nil || l.NumPieces() != 6 {
		t.Errorf("layout %v, %v", l, err)
	}

	list, err := d.List(ctx)
	if err != nil || len(list) != 1 || list[0].InfoHash != h {
		t.Errorf("list %+v, %v", list, err)
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	d := start(t, testConfig(), &fakeStorage{})
	f := newFixture(t, "album")

	if _, err := d.Add(ctx, []byte("d4:infoi1e"), ""); !errors.Is(err, metainfo.ErrDecode) {
		t.Errorf("got %v, want decode error", err)
	}
	if _, err := d.Add(ctx, []byte("d4:infoi1ee"), ""); !errors.Is(err, metainfo.ErrValidation) {
		t.Errorf("got %v, want validation error", err)
	}
	if _, err := d.Add(ctx, overflowingTorrent(t), ""); !errors.Is(err, metainfo.ErrSizeMismatch) {
		t.Errorf("got %v, want size mismatch", err)
	}
	if list, _ := d.List(ctx); len(list) != 0 {
		t.Errorf("rejected torrent registered: %+v", list)
	}

	addReady(t, d, f)
	if _, err := d.Add(ctx, f.raw, ""); !errors.Is(err, ErrAlreadyAdded) {
		t.Errorf("got %v, want already added", err)
	}
}

// overflowingTorrent lists five files of 2^62 bytes, whose sum does not fit an int64
func overflowingTorrent(t *testing.T) []byte {
	t.Helper()
	const huge = int64(1) << 62
	files := make([]interface{}, 5)
	for i := range files {
		files[i] = map[string]interface{}{"length": huge, "path": []interface{}{fmt.Sprintf("part%d", i)}}
	}
	var b bytes.Buffer
	err := bencode.Marshal(&b, map[string]interface{}{
		"info": map[string]interface{}{
			"name":         "huge",
			"piece length": huge,
			"pieces":       strings.Repeat("x", 20),
			"files":        files,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return b.Bytes()
}

func TestPieceDataCopiedBeforeWrite(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStorage{}
	d := start(t, testConfig(), fs)
	f := newFixture(t, "album")
	h := addReady(t, d, f)

	buf := f.piece(1)
	if err := d.PieceCompleted(ctx, h, 1, buf); err != nil {
		t.Fatal(err)
	}
	for i := range buf {
		buf[i] = 0
	}
	eventually(t, "piece written", func() bool { return fs.stored(1) != nil })
	if !bytes.Equal(fs.stored(1), f.piece(1)) {
		t.Error("reusing the buffer changed the bytes written to disk")
	}
}

func TestUnknownTorrent(t *testing.T) {
	ctx := context.Background()
	d := start(t, testConfig(), &fakeStorage{})
	h, _ := metainfo.ParseHash("0123456789abcdef0123456789abcdef01234567")

	if _, err := d.Progress(ctx, h); !errors.Is(err, ErrUnknownTorrent) {
		t.Errorf("progress: got %v", err)
	}
	if err := d.Pause(ctx, h); !errors.Is(err, ErrUnknownTorrent) {
		t.Errorf("pause: got %v", err)
	}
	if err := d.SelectFiles(ctx, h, selection.Whitelist, []string{"x"}); !errors.Is(err, ErrUnknownTorrent) {
		t.Errorf("select: got %v", err)
	}
}

func TestCommandsQueuedWhileValidating(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStorage{release: make(chan struct{})}
	d := start(t, testConfig(), fs)
	f := newFixture(t, "album")

	h, err := d.Add(ctx, f.raw, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	selectReply := d.Submit(Command{Kind: KindSelectFiles, Hash: h, Mode: selection.Whitelist, Paths: []string{"fileB"}})
	pauseReply := d.Submit(Command{Kind: KindPause, Hash: h})

	snap, err := d.Snapshot(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != Validating || snap.Queued != 2 {
		t.Errorf("state %v with %d queued, want validating with 2", snap.State, snap.Queued)
	}
	if !pending(selectReply) || !pending(pauseReply) {
		t.Fatal("queued command answered before validation finished")
	}

	close(fs.release)
	if r := await(t, selectReply); r.Err != nil {
		t.Errorf("select: %v", r.Err)
	}
	if r := await(t, pauseReply); r.Err != nil {
		t.Errorf("pause: %v", r.Err)
	}

	snap, _ = d.Snapshot(ctx, h)
	if snap.State != Paused || snap.Mode != "whitelist" || len(snap.Selected) != 1 {
		t.Errorf("after replay %+v", snap)
	}
	if snap.Progress.PiecesWanted != 3 {
		t.Errorf("wanted %d pieces, want 3", snap.Progress.PiecesWanted)
	}
}

func TestRemoveDuringValidation(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStorage{release: make(chan struct{})}
	d := start(t, testConfig(), fs)
	f := newFixture(t, "album")

	h, err := d.Add(ctx, f.raw, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	queued := d.Submit(Command{Kind: KindResume, Hash: h})
	if err := d.Remove(ctx, h); err != nil {
		t.Fatal(err)
	}
	if r := await(t, queued); !errors.Is(r.Err, ErrUnknownTorrent) {
		t.Errorf("queued command got %v, want unknown torrent", r.Err)
	}
	if _, err := d.Progress(ctx, h); !errors.Is(err, ErrUnknownTorrent) {
		t.Errorf("progress after remove: %v", err)
	}

	// the cancelled check must not leak into a fresh add
	close(fs.release)
	h2 := addReady(t, d, f)
	if h2 != h {
		t.Errorf("hash changed between adds")
	}
}

func TestSingleFileSelectRejected(t *testing.T) {
	ctx := context.Background()
	d := start(t, testConfig(), &fakeStorage{})
	raw, err := metainfo.Create(metainfo.CreateOptions{Name: "disk.iso", PieceLength: 1024, Single: true},
		[]metainfo.Content{{Data: make([]byte, 5000)}})
	if err != nil {
		t.Fatal(err)
	}
	h, err := d.Add(ctx, raw, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	// may still be validating, the answer is the same either way
	err = d.SelectFiles(ctx, h, selection.Whitelist, []string{"disk.iso"})
	if !errors.Is(err, selection.ErrSingleFile) {
		t.Errorf("got %v, want single file selection error", err)
	}
	pr, _ := d.Progress(ctx, h)
	if pr.PiecesWanted != 5 {
		t.Errorf("wanted %d pieces, want all 5", pr.PiecesWanted)
	}
}

func TestCorruptedPieceThroughDispatcher(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStorage{}
	d := start(t, testConfig(), fs)
	f := newFixture(t, "album")
	h := addReady(t, d, f)
	if err := d.Resume(ctx, h); err != nil {
		t.Fatal(err)
	}

	for _, p := range []int{0, 5} {
		if err := d.PieceCompleted(ctx, h, p, f.piece(p)); err != nil {
			t.Fatal(err)
		}
	}
	before, _ := d.Progress(ctx, h)

	bad := f.piece(5)
	bad[0] ^= 0xff
	if err := d.PieceCompleted(ctx, h, 5, bad); !errors.Is(err, session.ErrHashMismatch) {
		t.Fatalf("got %v, want hash mismatch", err)
	}

	after, _ := d.Progress(ctx, h)
	if after.VerifiedBytes != before.VerifiedBytes-(1500000-5*pieceLength) {
		t.Errorf("verified %d bytes, was %d", after.VerifiedBytes, before.VerifiedBytes)
	}
	if after.HashFailures != 1 {
		t.Errorf("hash failures %d", after.HashFailures)
	}
	if snap, _ := d.Snapshot(ctx, h); snap.State != Active {
		t.Errorf("torrent left in %v after a bad piece", snap.State)
	}
}

func TestPieceCompletionOrderedBeforePause(t *testing.T) {
	ctx := context.Background()
	d := start(t, testConfig(), &fakeStorage{})
	f := newFixture(t, "album")
	h := addReady(t, d, f)

	completed := d.Submit(Command{Kind: KindPieceCompleted, Hash: h, Piece: 2, Data: f.piece(2)})
	paused := d.Submit(Command{Kind: KindPause, Hash: h})
	if r := await(t, completed); r.Err != nil {
		t.Fatal(r.Err)
	}
	if r := await(t, paused); r.Err != nil {
		t.Fatal(r.Err)
	}

	snap, _ := d.Snapshot(ctx, h)
	if snap.State != Paused {
		t.Errorf("state %v, want paused", snap.State)
	}
	bf, err := d.Bitfield(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if !bf.HasPiece(2) || bf.HasPiece(1) {
		t.Errorf("bitfield %08b, want only piece 2", bf)
	}
	have, err := d.Have(ctx, h, 2)
	if err != nil {
		t.Fatal(err)
	}
	if p, err := message.ParseHave(have); err != nil || p != 2 {
		t.Errorf("HAVE for piece %d, %v", p, err)
	}
	if _, err := d.Have(ctx, h, 1); !errors.Is(err, session.ErrNotVerified) {
		t.Errorf("got %v, want not verified", err)
	}
	if snap.Progress.PiecesVerified != 1 || snap.Progress.VerifiedBytes != pieceLength {
		t.Errorf("pause lost the completed piece: %+v", snap.Progress)
	}
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStorage{}
	d := start(t, testConfig(), fs)
	h := addReady(t, d, newFixture(t, "album"))

	steps := []struct {
		name string
		run  func(context.Context, metainfo.Hash) error
		want State
	}{
		{"resume", d.Resume, Active},
		{"resume again", d.Resume, Active},
		{"pause", d.Pause, Paused},
		{"pause again", d.Pause, Paused},
		{"resume from paused", d.Resume, Active},
	}
	for _, step := range steps {
		if err := step.run(ctx, h); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if snap, _ := d.Snapshot(ctx, h); snap.State != step.want {
			t.Fatalf("%s: state %v, want %v", step.name, snap.State, step.want)
		}
	}
	eventually(t, "allocation", func() bool { return fs.allocations() == 2 })
}

func TestConcurrentSubmitters(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStorage{}
	d := start(t, testConfig(), fs)
	f := newFixture(t, "album")
	h := addReady(t, d, f)
	if err := d.Resume(ctx, h); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for p := 0; p < 6; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- d.PieceCompleted(ctx, h, p, f.piece(p))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}

	snap, _ := d.Snapshot(ctx, h)
	if !snap.Complete || snap.Progress.PercentComplete != 100 {
		t.Errorf("snapshot %+v", snap)
	}
	eventually(t, "piece writes", func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.written) == 6
	})
}

func TestWriteFailureResetsPiece(t *testing.T) {
	ctx := context.Background()
	d := start(t, testConfig(), &fakeStorage{writeErr: errors.New("disk full")})
	f := newFixture(t, "album")
	h := addReady(t, d, f)

	if err := d.PieceCompleted(ctx, h, 1, f.piece(1)); err != nil {
		t.Fatal(err)
	}
	eventually(t, "piece reset", func() bool {
		snap, _ := d.Snapshot(ctx, h)
		return snap.Progress.PiecesVerified == 0 && snap.LastError == "disk full"
	})
}

func TestExistingDataAndAutoStart(t *testing.T) {
	cfg := testConfig()
	cfg.AutoStart = true
	fs := &fakeStorage{found: []uint{1, 2}}
	d := start(t, cfg, fs)
	f := newFixture(t, "album")

	h, err := d.Add(context.Background(), f.raw, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, d, h, Active)
	pr, _ := d.Progress(context.Background(), h)
	if pr.PiecesVerified != 2 {
		t.Errorf("verified %d pieces, want 2 found on disk", pr.PiecesVerified)
	}
	eventually(t, "allocation", func() bool { return fs.allocations() == 1 })
}

func TestFailedCheckStartsFromScratch(t *testing.T) {
	d := start(t, testConfig(), &fakeStorage{checkErr: errors.New("permission denied")})
	h := addReady(t, d, newFixture(t, "album"))
	snap, _ := d.Snapshot(context.Background(), h)
	if snap.LastError != "permission denied" || snap.Progress.PiecesVerified != 0 {
		t.Errorf("snapshot %+v", snap)
	}
}

func TestDownloadDirFallback(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.DownloadDir = "/srv/torrents"
	d := start(t, cfg, &fakeStorage{})

	dirOf := func(name, dir string) string {
		t.Helper()
		h, err := d.Add(ctx, newFixture(t, name).raw, dir)
		if err != nil {
			t.Fatal(err)
		}
		snap, _ := d.Snapshot(ctx, h)
		return snap.Dir
	}

	if got := dirOf("a", ""); got != "/srv/torrents" {
		t.Errorf("first add went to %s", got)
	}
	if got := dirOf("bb", "/mnt/usb"); got != "/mnt/usb" {
		t.Errorf("explicit dir ignored: %s", got)
	}
	if got := dirOf("ccc", ""); got != "/mnt/usb" {
		t.Errorf("last dir not reused: %s", got)
	}
	if last, _ := d.LastDownloadDir(ctx); last != "/mnt/usb" {
		t.Errorf("last download dir %s", last)
	}
}

func TestClosedDispatcher(t *testing.T) {
	d := New(testConfig(), WithLogger(quietLogger()), WithStorage(&fakeStorage{}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}

	if _, err := d.Add(context.Background(), newFixture(t, "album").raw, ""); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want closed", err)
	}
	if err := d.Run(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("second run returned %v", err)
	}
}

func TestRecheckFindsWrittenPieces(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig()
	d := start(t, cfg, storage.New(cfg.CheckWorkers, quietLogger()))
	f := newFixture(t, "album")

	h, err := d.Add(ctx, f.raw, dir)
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, d, h, Ready)
	for _, p := range []int{0, 3} {
		if err := d.PieceCompleted(ctx, h, p, f.piece(p)); err != nil {
			t.Fatal(err)
		}
	}

	m, err := metainfo.Parse(f.raw)
	if err != nil {
		t.Fatal(err)
	}
	target := storage.Target{Meta: m, Layout: layout.New(m), Dir: dir}
	check := storage.New(1, quietLogger())
	eventually(t, "pieces on disk", func() bool {
		found, err := check.Check(ctx, target)
		return err == nil && found.Count() == 2
	})

	// a fresh add of the same torrent picks the pieces up from disk
	if err := d.Remove(ctx, h); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Add(ctx, f.raw, dir); err != nil {
		t.Fatal(err)
	}
	waitState(t, d, h, Ready)
	if pr, _ := d.Progress(ctx, h); pr.PiecesVerified != 2 {
		t.Errorf("recheck verified %d pieces, want 2", pr.PiecesVerified)
	}
}
