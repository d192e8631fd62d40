// Package store provides the local-apply side of the replication pipeline:
// the sink that replicated objects and tombstones are pushed into.
package store

import (
	"context"

	"github.com/replikv/sinkrepl/internal/domain"
)

// Store is the local sink for replicated mutations. Apply pushes one object
// or tombstone and returns the local modification time in Unix milliseconds.
// Implementations must be safe for concurrent use by many fetch workers.
type Store interface {
	Apply(ctx context.Context, obj *domain.ReplObject) (modTimeMs int64, err error)
}
