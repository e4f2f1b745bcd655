package database

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// Collection names used by the membership coordinator and synchronizer.
const (
	CollQuests     = "quests"
	CollPlayers    = "players"
	CollUserQuests = "userQuests"
)

// Store-imposed fan-out limits. QueryIn refuses id lists larger than
// MaxQueryInSize; BatchWrite refuses more than MaxBatchWriteSize ops.
// Callers doing cascades stay at SafeBatchWriteSize to keep margin under
// the hard ceiling.
const (
	MaxQueryInSize     = 10
	MaxBatchWriteSize  = 500
	SafeBatchWriteSize = 450
)

// ErrNoDocument is returned by Get (and Tx.Get) when no document exists
// under the requested id.
var ErrNoDocument = errors.New("document not found")

// WriteKind selects the operation of a single BatchWrite entry.
type WriteKind int

const (
	WriteSet WriteKind = iota
	WriteDelete
)

// WriteOp is one entry of a batched multi-document write.
type WriteOp struct {
	Kind       WriteKind
	Collection string
	ID         string
	Doc        any // required for WriteSet
}

// Subscription is a handle to a live query. Remove cancels it; further
// pushes stop after Remove returns.
type Subscription interface {
	Remove()
}

// PushFunc receives the full matching result set of a live query. It is
// invoked once right after registration and again after every server-side
// change to the collection.
type PushFunc func(docs []bson.Raw)

// Tx is the handle passed to a transaction body. All reads and writes made
// through it are isolated from concurrent transactions touching the same
// documents and commit atomically iff the body returns nil.
type Tx interface {
	Get(collection, id string, out any) error
	Set(collection, id string, doc any, merge bool) error
	// Update applies a Mongo-style update document ($set, $inc, ...).
	Update(collection, id string, update bson.M) error
	Delete(collection, id string) error
}

// Gateway is the thin contract over the transactional document store. It is
// consumed by the services layer; tests substitute the in-memory fake in
// gatewaytest.
type Gateway interface {
	// NewID returns a fresh store-assigned document id.
	NewID() string

	// Get decodes the document with the given id into out, or returns
	// ErrNoDocument.
	Get(ctx context.Context, collection, id string, out any) error

	// Query decodes all documents where field equals value into out (a
	// pointer to a slice). An empty field scans the whole collection.
	// limit <= 0 means no limit.
	Query(ctx context.Context, collection, field string, value any, limit int64, out any) error

	// QueryIn decodes all documents whose field value is in ids. len(ids)
	// must not exceed MaxQueryInSize.
	QueryIn(ctx context.Context, collection, field string, ids []string, out any) error

	// Set writes the document under id. With merge it upserts only the
	// given fields, leaving others untouched; without it the document is
	// replaced wholesale.
	Set(ctx context.Context, collection, id string, doc any, merge bool) error

	// Update applies a Mongo-style update document to an existing
	// document, or returns ErrNoDocument.
	Update(ctx context.Context, collection, id string, update bson.M) error

	Delete(ctx context.Context, collection, id string) error

	// RunTransaction executes fn inside one atomically-isolated
	// transaction. Any error from fn aborts with no partial effect.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error

	// BatchWrite executes up to MaxBatchWriteSize ops as one unit.
	BatchWrite(ctx context.Context, ops []WriteOp) error

	// Subscribe registers a live query for documents where field equals
	// value and pushes the full result set on registration and after
	// every change. The subscription ends when ctx is canceled or Remove
	// is called.
	Subscribe(ctx context.Context, collection, field string, value any, push PushFunc) (Subscription, error)
}

// ChunkIDs splits ids into groups no larger than size, preserving order.
func ChunkIDs(ids []string, size int) [][]string {
	if size <= 0 {
		size = MaxQueryInSize
	}
	var groups [][]string
	for len(ids) > size {
		groups = append(groups, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		groups = append(groups, ids)
	}
	return groups
}

func validateQueryIn(ids []string) error {
	if len(ids) > MaxQueryInSize {
		return fmt.Errorf("queryIn supports at most %d ids, got %d", MaxQueryInSize, len(ids))
	}
	return nil
}

func validateBatch(ops []WriteOp) error {
	if len(ops) > MaxBatchWriteSize {
		return fmt.Errorf("batchWrite supports at most %d ops, got %d", MaxBatchWriteSize, len(ops))
	}
	return nil
}
