package xmlsender

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rezonia/xml-sender/internal/config"
	"github.com/rezonia/xml-sender/internal/credentials"
	"github.com/rezonia/xml-sender/internal/dispatcher"
	"github.com/rezonia/xml-sender/internal/documents"
	"github.com/rezonia/xml-sender/internal/model"
	"github.com/rezonia/xml-sender/internal/parser/ubl"
	"github.com/rezonia/xml-sender/internal/server"
	"github.com/rezonia/xml-sender/internal/storage"
	"github.com/rezonia/xml-sender/internal/sunat"
)

var logger = loggo.GetLogger("xmlsender")

// DefaultWaitInterval is how often Wait re-reads a document
const DefaultWaitInterval = time.Second

// Engine wires validation, storage, delivery and the HTTP API together
type Engine struct {
	opts       *Options
	clock      clock.Clock
	validator  *ubl.Validator
	store      *storage.Store
	dispatcher *dispatcher.Dispatcher
	service    *documents.Service
	server     *server.Server
	registry   *prometheus.Registry
	closers    []io.Closer
}

type engineSettings struct {
	sender Sender
	clock  clock.Clock
}

// EngineOption customizes engine collaborators
type EngineOption func(*engineSettings)

// WithSender replaces the SOAP client, e.g. with a stub endpoint
func WithSender(s Sender) EngineOption {
	return func(es *engineSettings) {
		es.sender = s
	}
}

// WithClock sets the clock used for retries, polling and Wait
func WithClock(c clock.Clock) EngineOption {
	return func(es *engineSettings) {
		es.clock = c
	}
}

// NewEngine builds an engine from opts. A nil opts uses DefaultOptions.
func NewEngine(ctx context.Context, opts *Options, engineOpts ...EngineOption) (*Engine, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	settings := &engineSettings{clock: clock.WallClock}
	for _, opt := range engineOpts {
		opt(settings)
	}

	e := &Engine{
		opts:     opts,
		clock:    settings.clock,
		registry: prometheus.NewRegistry(),
	}

	store, err := e.openStore(ctx)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.store = store

	sender := settings.sender
	if sender == nil {
		sender = sunat.NewClient(sunat.WithTimeout(opts.Delivery.RequestTimeout))
	}

	metrics := dispatcher.NewMetricsCollector()
	e.registry.MustRegister(metrics, collectors.NewGoCollector())

	e.dispatcher = dispatcher.New(store, sender, opts.Dispatcher(),
		dispatcher.WithClock(settings.clock),
		dispatcher.WithMetrics(metrics),
	)
	e.validator = ubl.NewValidator(ubl.WithEndpoints(opts.Endpoints()))
	resolver := credentials.NewResolver(model.Credentials{
		Username: opts.Sunat.Username,
		Password: opts.Sunat.Password,
	})
	if resolver.Default().IsEmpty() {
		logger.Warningf("no default SUNAT credentials configured")
	}
	e.service = documents.NewService(e.validator, resolver, store, e.dispatcher)
	e.server = server.NewServer(&server.Config{
		Address:       opts.Server.Address,
		ReadTimeout:   opts.Server.ReadTimeout,
		WriteTimeout:  opts.Server.WriteTimeout,
		MaxUploadSize: opts.Server.MaxUploadSize,
		Debug:         opts.Server.Debug,
	}, e.service, e.validator, e.registry)

	return e, nil
}

func (e *Engine) openStore(ctx context.Context) (*storage.Store, error) {
	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		cfg, err := storage.LoadAWSConfig(ctx, e.opts.AWSSettings())
		if err != nil {
			return aws.Config{}, errors.Annotate(err, "loading aws config")
		}
		awsCfg = &cfg
		return cfg, nil
	}

	var repo storage.DocumentRepository
	switch e.opts.Storage.Driver {
	case config.DriverSQLite:
		sqlite, err := storage.NewSQLiteRepository(e.opts.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, sqlite)
		repo = sqlite
	case config.DriverDynamoDB:
		cfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		repo = storage.NewDynamoDBRepository(dynamodb.NewFromConfig(cfg), e.opts.Storage.DynamoDBTable)
	default:
		repo = storage.NewMemoryRepository()
	}

	var blobs storage.BlobStore
	switch e.opts.Blob.Driver {
	case config.DriverS3:
		cfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		client := storage.NewS3Client(cfg, e.opts.Blob.S3PathStyle)
		blobs = storage.NewS3BlobStore(client, e.opts.Blob.S3Bucket, e.opts.Blob.S3Prefix)
	default:
		blobs = storage.NewMemoryBlobStore()
	}

	logger.Infof("storage: %s documents, %s blobs", e.opts.Storage.Driver, e.opts.Blob.Driver)
	return storage.NewStore(repo, blobs, storage.WithClock(e.clock)), nil
}

// Options returns the options the engine was built with
func (e *Engine) Options() *Options {
	return e.opts
}

// Validate checks raw without storing anything
func (e *Engine) Validate(raw []byte) (*FileInfo, error) {
	return e.validator.Validate(raw)
}

// Submit validates and stores a document and schedules its delivery
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*Document, error) {
	return e.service.Submit(ctx, req)
}

// Get returns the current record for id
func (e *Engine) Get(ctx context.Context, id string) (*Document, error) {
	return e.service.GetStatus(ctx, id)
}

// GetFile returns the submitted bytes
func (e *Engine) GetFile(ctx context.Context, id string) ([]byte, error) {
	return e.service.GetFile(ctx, id)
}

// GetCDR returns the receipt once the document is delivered
func (e *Engine) GetCDR(ctx context.Context, id string) ([]byte, error) {
	return e.service.GetCDR(ctx, id)
}

// List returns the documents currently in status. Documents interrupted by
// a shutdown remain DELIVERING and are found this way.
func (e *Engine) List(ctx context.Context, status DeliveryStatus) ([]*Document, error) {
	return e.service.List(ctx, status)
}

// Wait blocks until id reaches DELIVERED or FAILED, or ctx is done
func (e *Engine) Wait(ctx context.Context, id string) (*Document, error) {
	for {
		doc, err := e.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if doc.DeliveryStatus.IsTerminal() {
			return doc, nil
		}

		select {
		case <-ctx.Done():
			return doc, ctx.Err()
		case <-e.clock.After(DefaultWaitInterval):
		}
	}
}

// Run delivers documents until ctx is cancelled
func (e *Engine) Run(ctx context.Context) error {
	return e.dispatcher.Run(ctx)
}

// Serve runs the delivery workers and the HTTP API until ctx is cancelled
func (e *Engine) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.dispatcher.Run(ctx)
	})
	g.Go(func() error {
		return e.server.Run(ctx)
	})
	return g.Wait()
}

// Handler returns the HTTP API handler for use with custom servers
func (e *Engine) Handler() http.Handler {
	return e.server.Handler()
}

// Registry returns the prometheus registry backing /metrics
func (e *Engine) Registry() *prometheus.Registry {
	return e.registry
}

// Close releases database handles
func (e *Engine) Close() error {
	var firstErr error
	for _, c := range e.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.closers = nil
	return firstErr
}
