// Package documents is the submission path (validate, resolve credentials,
// store, schedule) and the read-only status query path.
package documents

import (
	"context"

	"github.com/juju/loggo/v2"

	"github.com/rezonia/xml-sender/internal/credentials"
	"github.com/rezonia/xml-sender/internal/model"
	"github.com/rezonia/xml-sender/internal/parser/ubl"
)

var logger = loggo.GetLogger("xmlsender.documents")

// Store is the document store as seen by the service
type Store interface {
	Create(ctx context.Context, info model.FileInfo, creds model.Credentials, file []byte, customID string) (*model.Document, error)
	Get(ctx context.Context, id string) (*model.Document, error)
	GetFile(ctx context.Context, id string) ([]byte, error)
	GetCDR(ctx context.Context, id string) ([]byte, error)
	ListByStatus(ctx context.Context, status model.DeliveryStatus) ([]*model.Document, error)
}

// Scheduler hands a created document to the delivery workers
type Scheduler interface {
	Enqueue(id string)
}

// SubmitRequest is one ingestion call. A nil File means no file was sent.
type SubmitRequest struct {
	File     []byte
	CustomID string
	Username string
	Password string
}

// Service ingests and reads documents
type Service struct {
	validator *ubl.Validator
	resolver  *credentials.Resolver
	store     Store
	scheduler Scheduler
}

// NewService creates a service
func NewService(validator *ubl.Validator, resolver *credentials.Resolver, store Store, scheduler Scheduler) *Service {
	return &Service{
		validator: validator,
		resolver:  resolver,
		store:     store,
		scheduler: scheduler,
	}
}

// Submit validates the file and creates a SCHEDULED_TO_DELIVER document.
// Invalid input returns a *model.ValidationError and creates nothing.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*model.Document, error) {
	info, err := s.validator.Validate(req.File)
	if err != nil {
		logger.Debugf("rejected submission: %v", err)
		return nil, err
	}

	creds := s.resolver.Resolve(req.Username, req.Password)
	doc, err := s.store.Create(ctx, *info, creds, req.File, req.CustomID)
	if err != nil {
		return nil, err
	}

	if s.scheduler != nil {
		s.scheduler.Enqueue(doc.ID)
	}
	return doc, nil
}

// GetStatus returns the current record
func (s *Service) GetStatus(ctx context.Context, id string) (*model.Document, error) {
	return s.store.Get(ctx, id)
}

// GetFile returns the submitted bytes unchanged
func (s *Service) GetFile(ctx context.Context, id string) ([]byte, error) {
	return s.store.GetFile(ctx, id)
}

// List returns the documents currently in status, oldest first. Listing
// DELIVERING shows documents a shutdown left without a terminal status.
func (s *Service) List(ctx context.Context, status model.DeliveryStatus) ([]*model.Document, error) {
	return s.store.ListByStatus(ctx, status)
}

// GetCDR returns the receipt, or model.ErrNotFound until the document is delivered
func (s *Service) GetCDR(ctx context.Context, id string) ([]byte, error) {
	return s.store.GetCDR(ctx, id)
}
