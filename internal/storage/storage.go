// Package storage owns persisted document records and their binary artifacts
// (the submitted XML and the CDR receipt).
//
// Records live in a DocumentRepository (memory, SQLite or DynamoDB) and bytes
// in a BlobStore (memory or S3). Store composes both.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/rezonia/xml-sender/internal/model"
)

var logger = loggo.GetLogger("xmlsender.storage")

// ErrConcurrentUpdate is returned when a record changed between read and write
const ErrConcurrentUpdate = errors.ConstError("document modified concurrently")

// DocumentRepository persists document metadata.
// Every method is atomic with respect to concurrent readers.
type DocumentRepository interface {
	// Create persists a new record. The id must not exist yet.
	Create(ctx context.Context, doc *model.Document) error

	// Get returns the record or an error satisfying errors.Is(err, model.ErrNotFound)
	Get(ctx context.Context, id string) (*model.Document, error)

	// Claim moves a SCHEDULED_TO_DELIVER record to DELIVERING and stamps
	// UpdatedAt with at. Any other current status fails with model.ErrAlreadyClaimed.
	Claim(ctx context.Context, id string, at time.Time) (*model.Document, error)

	// Update applies t to the record and returns the result
	Update(ctx context.Context, id string, t model.Transition) (*model.Document, error)

	// ListByStatus returns every record currently in status
	ListByStatus(ctx context.Context, status model.DeliveryStatus) ([]*model.Document, error)
}

// BlobStore keeps raw bytes addressed by key
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the bytes or an error satisfying errors.Is(err, model.ErrNotFound)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Store composes a repository and a blob store into the document store
type Store struct {
	repo  DocumentRepository
	blobs BlobStore
	clock clock.Clock
}

// Option configures the store
type Option func(*Store)

// WithClock sets the clock used for record timestamps
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// NewStore creates a document store
func NewStore(repo DocumentRepository, blobs BlobStore, opts ...Option) *Store {
	s := &Store{
		repo:  repo,
		blobs: blobs,
		clock: clock.WallClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewMemoryStore creates a store backed entirely by memory
func NewMemoryStore(opts ...Option) *Store {
	return NewStore(NewMemoryRepository(), NewMemoryBlobStore(), opts...)
}

func fileKey(fileID string) string {
	return "files/" + fileID + ".xml"
}

func cdrKey(cdrID string) string {
	return "cdr/" + cdrID + ".zip"
}

// Create stores file and a new SCHEDULED_TO_DELIVER record for it
func (s *Store) Create(ctx context.Context, info model.FileInfo, creds model.Credentials, file []byte, customID string) (*model.Document, error) {
	now := s.clock.Now().UTC()
	doc := &model.Document{
		ID:             uuid.NewString(),
		FileID:         uuid.NewString(),
		CustomID:       customID,
		FileInfo:       info,
		Credentials:    creds,
		DeliveryStatus: model.StatusScheduledToDeliver,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.blobs.Put(ctx, fileKey(doc.FileID), file); err != nil {
		return nil, errors.Annotatef(err, "storing file for %s", info.Filename)
	}
	if err := s.repo.Create(ctx, doc); err != nil {
		return nil, errors.Annotatef(err, "creating document %s", doc.ID)
	}

	logger.Infof("document %s created for %s", doc.ID, info.Filename)
	return doc.Clone(), nil
}

// Get returns the current record
func (s *Store) Get(ctx context.Context, id string) (*model.Document, error) {
	return s.repo.Get(ctx, id)
}

// GetFile returns the originally submitted bytes
func (s *Store) GetFile(ctx context.Context, id string) ([]byte, error) {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.blobs.Get(ctx, fileKey(doc.FileID))
}

// GetCDR returns the receipt bytes, or ErrNotFound until the document is delivered
func (s *Store) GetCDR(ctx context.Context, id string) ([]byte, error) {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.CDRID == "" {
		return nil, fmt.Errorf("cdr for document %s: %w", id, model.ErrNotFound)
	}
	return s.blobs.Get(ctx, cdrKey(doc.CDRID))
}

// Claim takes ownership of a scheduled document
func (s *Store) Claim(ctx context.Context, id string) (*model.Document, error) {
	return s.repo.Claim(ctx, id, s.clock.Now().UTC())
}

// Update applies a transition stamped with the current time
func (s *Store) Update(ctx context.Context, id string, t model.Transition) (*model.Document, error) {
	t.At = s.clock.Now().UTC()
	doc, err := s.repo.Update(ctx, id, t)
	if err != nil {
		return nil, err
	}
	logger.Debugf("document %s -> %s (attempts %d)", id, doc.DeliveryStatus, doc.Attempts)
	return doc, nil
}

// Deliver stores the receipt and moves the document to DELIVERED
func (s *Store) Deliver(ctx context.Context, id string, status model.SunatStatus, cdr []byte, attempts int) (*model.Document, error) {
	cdrID := uuid.NewString()
	if err := s.blobs.Put(ctx, cdrKey(cdrID), cdr); err != nil {
		return nil, errors.Annotatef(err, "storing cdr for %s", id)
	}
	return s.Update(ctx, id, model.Transition{
		Status:      model.StatusDelivered,
		SunatStatus: &status,
		CDRID:       cdrID,
		Attempts:    attempts,
	})
}

// Pending returns the documents still waiting for a worker
func (s *Store) Pending(ctx context.Context) ([]*model.Document, error) {
	return s.repo.ListByStatus(ctx, model.StatusScheduledToDeliver)
}

// ListByStatus returns every document currently in status, oldest first
func (s *Store) ListByStatus(ctx context.Context, status model.DeliveryStatus) ([]*model.Document, error) {
	if !status.IsValid() {
		return nil, errors.NotValidf("delivery status %q", status)
	}
	return s.repo.ListByStatus(ctx, status)
}
