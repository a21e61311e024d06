package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rezonia/xml-sender/internal/model"
)

// MemoryRepository keeps records in a map guarded by a mutex.
// Callers always receive copies.
type MemoryRepository struct {
	mu   sync.RWMutex
	docs map[string]*model.Document
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{docs: make(map[string]*model.Document)}
}

func (r *MemoryRepository) Create(_ context.Context, doc *model.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.docs[doc.ID]; ok {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	r.docs[doc.ID] = doc.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*model.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.docs[id]
	if !ok {
		return nil, notFound(id)
	}
	return doc.Clone(), nil
}

func (r *MemoryRepository) Claim(_ context.Context, id string, at time.Time) (*model.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[id]
	if !ok {
		return nil, notFound(id)
	}
	if doc.DeliveryStatus != model.StatusScheduledToDeliver {
		return nil, fmt.Errorf("document %s is %s: %w", id, doc.DeliveryStatus, model.ErrAlreadyClaimed)
	}
	doc.DeliveryStatus = model.StatusDelivering
	doc.UpdatedAt = at
	return doc.Clone(), nil
}

func (r *MemoryRepository) Update(_ context.Context, id string, t model.Transition) (*model.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[id]
	if !ok {
		return nil, notFound(id)
	}
	next := doc.Clone()
	if err := next.Apply(t); err != nil {
		return nil, err
	}
	r.docs[id] = next
	return next.Clone(), nil
}

func (r *MemoryRepository) ListByStatus(_ context.Context, status model.DeliveryStatus) ([]*model.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Document
	for _, doc := range r.docs {
		if doc.DeliveryStatus == status {
			out = append(out, doc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MemoryBlobStore keeps blobs in a map
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty blob store
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (b *MemoryBlobStore) Put(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.blobs[key]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", key, model.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func notFound(id string) error {
	return fmt.Errorf("document %s: %w", id, model.ErrNotFound)
}
