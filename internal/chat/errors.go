package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateKey is the store's uniqueness-violation signal. The
	// resolver and appender absorb it; callers should never see it.
	ErrDuplicateKey = errors.New("chat: duplicate key")

	ErrNotFound = errors.New("chat: not found")

	// ErrConsistency means the store reported a duplicate that a reread
	// could not find. It is fatal and never retried.
	ErrConsistency = errors.New("chat: consistency violation")

	ErrStoreUnavailable = errors.New("chat: store unavailable")
	ErrInvalidTurn      = errors.New("chat: invalid turn")
	ErrNoUser           = errors.New("chat: user id required")
)

// Stage names a step of the resolve → append → reply → append → refresh pipeline.
type Stage string

const (
	StageResolve      Stage = "resolve"
	StageAppend       Stage = "append"
	StageReply        Stage = "reply"
	StagePersistReply Stage = "persist_reply"
	StageRefresh      Stage = "refresh"
)

// StageError reports which pipeline step failed and whether anything
// was durably written before it. Snapshot is the last converged read,
// when one exists.
type StageError struct {
	Stage     Stage
	Committed bool
	Snapshot  *Snapshot
	Err       error
}

func (e *StageError) Error() string {
	state := "nothing changed"
	if e.Committed {
		state = "partially changed"
	}
	return fmt.Sprintf("chat: %s failed (%s): %v", e.Stage, state, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, committed bool, snap *Snapshot, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		// keep the innermost stage, but never forget an earlier commit
		se.Committed = se.Committed || committed
		if se.Snapshot == nil {
			se.Snapshot = snap
		}
		return se
	}
	return &StageError{Stage: stage, Committed: committed, Snapshot: snap, Err: err}
}
