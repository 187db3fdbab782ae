package storage

import "github.com/ashita-ai/ragcascade/internal/model"

// ErrNotFound is returned when a requested node, snapshot, or run does not
// exist. It is model.ErrNotFound so callers need not import this package.
var ErrNotFound = model.ErrNotFound
