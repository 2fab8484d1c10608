package model

import "errors"

// ErrSnapshotNotFound is returned by snapshot stores when a user has no persisted state.
var ErrSnapshotNotFound = errors.New("game state snapshot not found")
