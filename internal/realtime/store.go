// Package realtime describes the document store the moderation core runs on: point reads,
// filtered queries, atomic batches and live subscriptions that push a full result-set
// snapshot whenever the filtered set changes.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned for reads and updates of a missing document.
	ErrNotFound = errors.New("realtime: document not found")
	// ErrAlreadyExists is returned when a create targets an existing document.
	ErrAlreadyExists = errors.New("realtime: document already exists")
	// ErrUnavailable wraps transport or backend failures.
	ErrUnavailable = errors.New("realtime: store unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("realtime: store closed")
)

// Ref addresses one document.
type Ref struct {
	Collection string
	ID         string
}

func (r Ref) String() string {
	return r.Collection + "/" + r.ID
}

// Document is a stored JSON document. Seq is the store-assigned arrival order.
type Document struct {
	Collection string
	ID         string
	Data       json.RawMessage
	Seq        int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Decode unmarshals the document body into v.
func (d Document) Decode(v interface{}) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", d.Collection, d.ID, err)
	}
	return nil
}

// Filter is an equality match on a top-level string field.
type Filter struct {
	Field string
	Value string
}

// Where builds an equality filter.
func Where(field, value string) Filter {
	return Filter{Field: field, Value: value}
}

// Snapshot is the full result set of a subscription at one point in time.
type Snapshot struct {
	Documents []Document
	// Version increases by one for every snapshot delivered on a subscription.
	Version uint64
}

// SnapshotFunc receives snapshots, or an error when the store could not refresh the set.
type SnapshotFunc func(Snapshot, error)

// Subscription is a live query handle.
type Subscription interface {
	Cancel()
}

// Batch accumulates writes that commit atomically.
type Batch interface {
	// Create inserts a document; the commit fails with ErrAlreadyExists if it exists.
	Create(ref Ref, doc interface{}) Batch
	// Update merges top-level fields; the commit fails with ErrNotFound if it is missing.
	Update(ref Ref, fields map[string]interface{}) Batch
	// Delete removes a document; deleting a missing document is not an error.
	Delete(ref Ref) Batch
	Len() int
	Commit(ctx context.Context) error
}

// Store is the realtime document store consumed by the repositories.
type Store interface {
	Put(ctx context.Context, ref Ref, doc interface{}) error
	Get(ctx context.Context, ref Ref) (Document, error)
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	Subscribe(ctx context.Context, collection string, filters []Filter, fn SnapshotFunc) (Subscription, error)
	Batch() Batch
	Close() error
}

// Op is one write inside a batch.
type Op struct {
	Kind   OpKind
	Ref    Ref
	Data   json.RawMessage
	Fields map[string]interface{}
}

// OpKind enumerates batch operations.
type OpKind int

const (
	OpCreate OpKind = iota + 1
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Encode marshals a document body. Already encoded bodies pass through.
func Encode(doc interface{}) (json.RawMessage, error) {
	switch v := doc.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return raw, nil
}

// MergeFields applies top-level field updates to an encoded object.
func MergeFields(data json.RawMessage, fields map[string]interface{}) (json.RawMessage, error) {
	body := map[string]interface{}{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("merge fields: %w", err)
		}
	}
	for k, v := range fields {
		body[k] = v
	}
	return json.Marshal(body)
}

// Matches reports whether an encoded object satisfies every filter.
func Matches(data json.RawMessage, filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		return false
	}
	for _, f := range filters {
		v, ok := body[f.Field].(string)
		if !ok || v != f.Value {
			return false
		}
	}
	return true
}

// OpBatch is a reusable Batch that records operations and hands them to a commit func.
type OpBatch struct {
	ops    []Op
	err    error
	commit func(ctx context.Context, ops []Op) error
}

// NewOpBatch builds a batch delegating to commit.
func NewOpBatch(commit func(ctx context.Context, ops []Op) error) *OpBatch {
	return &OpBatch{commit: commit}
}

func (b *OpBatch) Create(ref Ref, doc interface{}) Batch {
	raw, err := Encode(doc)
	if err != nil && b.err == nil {
		b.err = err
	}
	b.ops = append(b.ops, Op{Kind: OpCreate, Ref: ref, Data: raw})
	return b
}

func (b *OpBatch) Update(ref Ref, fields map[string]interface{}) Batch {
	b.ops = append(b.ops, Op{Kind: OpUpdate, Ref: ref, Fields: fields})
	return b
}

func (b *OpBatch) Delete(ref Ref) Batch {
	b.ops = append(b.ops, Op{Kind: OpDelete, Ref: ref})
	return b
}

func (b *OpBatch) Len() int {
	return len(b.ops)
}

func (b *OpBatch) Commit(ctx context.Context) error {
	if b.err != nil {
		return b.err
	}
	if len(b.ops) == 0 {
		return nil
	}
	return b.commit(ctx, b.ops)
}
