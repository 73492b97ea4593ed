package core

import "errors"

// ErrNotFound is returned for operations referencing an info hash with
// no registered session.
var ErrNotFound = errors.New("torrent not found")
