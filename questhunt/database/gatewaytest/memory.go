// Package gatewaytest provides a state-based in-memory implementation of
// database.Gateway for tests. Transactions are serialized by a store-wide
// mutex and roll back on error, QueryIn/BatchWrite enforce the same fan-out
// limits as the real store, and live-query pushes are delivered
// synchronously so tests can assert right after a mutation.
package gatewaytest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/questhuntapp/questhunt/questhunt/database"
)

type collection struct {
	docs  map[string]bson.Raw
	order []string
}

func (c *collection) set(id string, raw bson.Raw) {
	if _, exists := c.docs[id]; !exists {
		c.order = append(c.order, id)
	}
	c.docs[id] = raw
}

func (c *collection) delete(id string) {
	if _, exists := c.docs[id]; !exists {
		return
	}
	delete(c.docs, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

type listener struct {
	collection string
	field      string
	value      any
	push       database.PushFunc
}

// Memory is the in-memory Gateway fake.
type Memory struct {
	mu          sync.Mutex
	collections map[string]*collection
	listeners   map[int]*listener
	nextListID  int

	// Call accounting for fan-out and caching assertions.
	QueryCount      atomic.Int64
	QueryInCount    atomic.Int64
	BatchWriteCount atomic.Int64
	batchSizes      []int

	// Failure injection. When set, the matching operation returns the
	// hook's error instead of executing.
	FailQueryIn func(ids []string) error
	FailSet     func(collection, id string) error
	FailDelete  func(collection, id string) error
}

var _ database.Gateway = (*Memory)(nil)

func New() *Memory {
	return &Memory{
		collections: make(map[string]*collection),
		listeners:   make(map[int]*listener),
	}
}

func (m *Memory) NewID() string {
	return primitive.NewObjectID().Hex()
}

// Count returns the number of documents currently in a collection.
func (m *Memory) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[name]; ok {
		return len(c.docs)
	}
	return 0
}

// BatchSizes returns the sizes of all BatchWrite calls seen so far.
func (m *Memory) BatchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.batchSizes...)
}

func (m *Memory) Get(_ context.Context, coll, id string, out any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(coll, id, out)
}

func (m *Memory) getLocked(coll, id string, out any) error {
	c, ok := m.collections[coll]
	if !ok {
		return database.ErrNoDocument
	}
	raw, ok := c.docs[id]
	if !ok {
		return database.ErrNoDocument
	}
	return bson.Unmarshal(raw, out)
}

func (m *Memory) Query(_ context.Context, coll, field string, value any, limit int64, out any) error {
	m.QueryCount.Add(1)
	m.mu.Lock()
	docs := m.matchLocked(coll, field, value, limit)
	m.mu.Unlock()
	return decodeAll(docs, out)
}

func (m *Memory) QueryIn(_ context.Context, coll, field string, ids []string, out any) error {
	m.QueryInCount.Add(1)
	if len(ids) > database.MaxQueryInSize {
		return fmt.Errorf("queryIn supports at most %d ids, got %d", database.MaxQueryInSize, len(ids))
	}
	if m.FailQueryIn != nil {
		if err := m.FailQueryIn(ids); err != nil {
			return err
		}
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	m.mu.Lock()
	var docs []bson.Raw
	if c, ok := m.collections[coll]; ok {
		for _, id := range c.order {
			raw := c.docs[id]
			if wanted[fmt.Sprint(fieldValue(raw, field))] {
				docs = append(docs, raw)
			}
		}
	}
	m.mu.Unlock()
	return decodeAll(docs, out)
}

func (m *Memory) Set(_ context.Context, coll, id string, doc any, merge bool) error {
	if m.FailSet != nil {
		if err := m.FailSet(coll, id); err != nil {
			return err
		}
	}
	m.mu.Lock()
	err := m.setLocked(coll, id, doc, merge)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.notify(coll)
	return nil
}

func (m *Memory) Update(_ context.Context, coll, id string, update bson.M) error {
	m.mu.Lock()
	err := m.updateLocked(coll, id, update)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.notify(coll)
	return nil
}

func (m *Memory) Delete(_ context.Context, coll, id string) error {
	if m.FailDelete != nil {
		if err := m.FailDelete(coll, id); err != nil {
			return err
		}
	}
	m.mu.Lock()
	if c, ok := m.collections[coll]; ok {
		c.delete(id)
	}
	m.mu.Unlock()
	m.notify(coll)
	return nil
}

func (m *Memory) RunTransaction(_ context.Context, fn func(tx database.Tx) error) error {
	m.mu.Lock()
	snapshot := m.cloneLocked()
	tx := &memTx{m: m, touched: make(map[string]bool)}
	if err := fn(tx); err != nil {
		m.collections = snapshot
		m.mu.Unlock()
		return err
	}
	touched := tx.touched
	m.mu.Unlock()
	for coll := range touched {
		m.notify(coll)
	}
	return nil
}

func (m *Memory) BatchWrite(_ context.Context, ops []database.WriteOp) error {
	m.BatchWriteCount.Add(1)
	if len(ops) > database.MaxBatchWriteSize {
		return fmt.Errorf("batchWrite supports at most %d ops, got %d", database.MaxBatchWriteSize, len(ops))
	}

	m.mu.Lock()
	m.batchSizes = append(m.batchSizes, len(ops))
	snapshot := m.cloneLocked()
	touched := make(map[string]bool)
	for _, op := range ops {
		touched[op.Collection] = true
		var err error
		switch op.Kind {
		case database.WriteSet:
			err = m.setLocked(op.Collection, op.ID, op.Doc, false)
		case database.WriteDelete:
			if c, ok := m.collections[op.Collection]; ok {
				c.delete(op.ID)
			}
		default:
			err = fmt.Errorf("unknown write kind %d", op.Kind)
		}
		if err != nil {
			m.collections = snapshot
			m.mu.Unlock()
			return err
		}
	}
	m.mu.Unlock()
	for coll := range touched {
		m.notify(coll)
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, coll, field string, value any, push database.PushFunc) (database.Subscription, error) {
	m.mu.Lock()
	id := m.nextListID
	m.nextListID++
	m.listeners[id] = &listener{collection: coll, field: field, value: value, push: push}
	initial := m.matchLocked(coll, field, value, 0)
	m.mu.Unlock()

	push(initial)

	return &memSubscription{m: m, id: id}, nil
}

type memSubscription struct {
	m  *Memory
	id int
}

func (s *memSubscription) Remove() {
	s.m.mu.Lock()
	delete(s.m.listeners, s.id)
	s.m.mu.Unlock()
}

type memTx struct {
	m       *Memory
	touched map[string]bool
}

func (t *memTx) Get(coll, id string, out any) error {
	return t.m.getLocked(coll, id, out)
}

func (t *memTx) Set(coll, id string, doc any, merge bool) error {
	t.touched[coll] = true
	return t.m.setLocked(coll, id, doc, merge)
}

func (t *memTx) Update(coll, id string, update bson.M) error {
	t.touched[coll] = true
	return t.m.updateLocked(coll, id, update)
}

func (t *memTx) Delete(coll, id string) error {
	t.touched[coll] = true
	if c, ok := t.m.collections[coll]; ok {
		c.delete(id)
	}
	return nil
}

// ----- internals (callers hold m.mu unless noted) -----

func (m *Memory) collLocked(name string) *collection {
	c, ok := m.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]bson.Raw)}
		m.collections[name] = c
	}
	return c
}

func (m *Memory) setLocked(coll, id string, doc any, merge bool) error {
	c := m.collLocked(coll)

	fields, err := toMap(doc)
	if err != nil {
		return err
	}
	if merge {
		if existing, ok := c.docs[id]; ok {
			base := bson.M{}
			if err := bson.Unmarshal(existing, &base); err != nil {
				return err
			}
			for k, v := range fields {
				base[k] = v
			}
			fields = base
		}
	}
	fields["_id"] = id

	raw, err := bson.Marshal(fields)
	if err != nil {
		return err
	}
	c.set(id, raw)
	return nil
}

func (m *Memory) updateLocked(coll, id string, update bson.M) error {
	c, ok := m.collections[coll]
	if !ok {
		return database.ErrNoDocument
	}
	raw, ok := c.docs[id]
	if !ok {
		return database.ErrNoDocument
	}
	doc := bson.M{}
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if set, ok := update["$set"].(bson.M); ok {
		for k, v := range set {
			setPath(doc, k, v)
		}
	}
	if inc, ok := update["$inc"].(bson.M); ok {
		for k, v := range inc {
			doc[k] = toInt64(doc[k]) + toInt64(v)
		}
	}
	updated, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	c.set(id, bson.Raw(updated))
	return nil
}

func (m *Memory) matchLocked(coll, field string, value any, limit int64) []bson.Raw {
	c, ok := m.collections[coll]
	if !ok {
		return nil
	}
	var docs []bson.Raw
	for _, id := range c.order {
		raw := c.docs[id]
		if field != "" && fmt.Sprint(fieldValue(raw, field)) != fmt.Sprint(value) {
			continue
		}
		docs = append(docs, raw)
		if limit > 0 && int64(len(docs)) >= limit {
			break
		}
	}
	return docs
}

func (m *Memory) cloneLocked() map[string]*collection {
	clone := make(map[string]*collection, len(m.collections))
	for name, c := range m.collections {
		docs := make(map[string]bson.Raw, len(c.docs))
		for id, raw := range c.docs {
			docs[id] = append(bson.Raw(nil), raw...)
		}
		clone[name] = &collection{docs: docs, order: append([]string(nil), c.order...)}
	}
	return clone
}

// notify delivers the current result set to every listener on the
// collection. Called without m.mu held; pushes run synchronously.
func (m *Memory) notify(coll string) {
	m.mu.Lock()
	type delivery struct {
		push database.PushFunc
		docs []bson.Raw
	}
	var deliveries []delivery
	for _, l := range m.listeners {
		if l.collection != coll {
			continue
		}
		deliveries = append(deliveries, delivery{l.push, m.matchLocked(coll, l.field, l.value, 0)})
	}
	m.mu.Unlock()

	for _, d := range deliveries {
		d.push(d.docs)
	}
}

func toMap(doc any) (bson.M, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}
	out := bson.M{}
	if err := bson.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fieldValue(raw bson.Raw, field string) any {
	if v, err := raw.LookupErr(field); err == nil {
		var out any
		if err := v.Unmarshal(&out); err == nil {
			return out
		}
	}
	return nil
}

// setPath applies a possibly dotted update key ("a.b.c") the way the real
// store does, creating intermediate maps as needed.
func setPath(doc bson.M, key string, value any) {
	parts := strings.Split(key, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := doc[part].(bson.M)
		if !ok {
			next = bson.M{}
			doc[part] = next
		}
		doc = next
	}
	doc[parts[len(parts)-1]] = value
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

func decodeAll(docs []bson.Raw, out any) error {
	// Round-trip through an array document so cursor-style decoding into
	// *[]T works the same way as with the real driver.
	arr := bson.A{}
	for _, raw := range docs {
		arr = append(arr, raw)
	}
	wrapper, err := bson.Marshal(bson.M{"docs": arr})
	if err != nil {
		return err
	}
	var holder struct {
		Docs bson.RawValue `bson:"docs"`
	}
	if err := bson.Unmarshal(wrapper, &holder); err != nil {
		return err
	}
	return holder.Docs.Unmarshal(out)
}
