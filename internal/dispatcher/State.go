package dispatcher

import (
	"context"
	"fmt"

	"torrent-layout/internal/metainfo"
	"torrent-layout/internal/session"
	"torrent-layout/internal/storage"

	"github.com/google/uuid"
)

// State is where a torrent is in its lifecycle:
//
//	Added -> Validating -> Ready <-> Selecting
//	Ready -> Active <-> Paused
//	any   -> Removed
type State int

const (
	Added State = iota
	Validating
	Ready
	Selecting
	Active
	Paused
	Removed
)

var stateNames = [...]string{"added", "validating", "ready", "selecting", "active", "paused", "removed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// torrent is the dispatcher's private record for one session
type torrent struct {
	// gen identifies this add; results of background work for an earlier
	// add of the same hash are dropped
	gen     uuid.UUID
	session *session.Session
	state   State

	// commands waiting for validation to finish, in submission order
	pending []*Command
	cancel  context.CancelFunc

	complete bool
	lastErr  error
}

func (t *torrent) hash() metainfo.Hash { return t.session.InfoHash() }

func (t *torrent) target() storage.Target {
	return storage.Target{Meta: t.session.Meta, Layout: t.session.Layout, Dir: t.session.Dir}
}
