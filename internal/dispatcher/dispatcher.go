// Package dispatcher drives documents from SCHEDULED_TO_DELIVER to a terminal
// status.
//
// A worker claims a document before any network I/O, so a document is owned
// by at most one worker. Transient endpoint failures are retried with
// exponential backoff; ticket acceptances are polled until a receipt arrives
// or the poll timeout elapses. Every attempt is persisted before the next one.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	"golang.org/x/sync/errgroup"

	"github.com/rezonia/xml-sender/internal/model"
	"github.com/rezonia/xml-sender/internal/sunat"
)

var logger = loggo.GetLogger("xmlsender.dispatcher")

// errTicketPending keeps the poll loop going while the endpoint processes a ticket
const errTicketPending = errors.ConstError("ticket still in process")

// persistTimeout bounds the final write made after the run context is cancelled
const persistTimeout = 10 * time.Second

// Store is the document store as seen by the dispatcher
type Store interface {
	Claim(ctx context.Context, id string) (*model.Document, error)
	Update(ctx context.Context, id string, t model.Transition) (*model.Document, error)
	Deliver(ctx context.Context, id string, status model.SunatStatus, cdr []byte, attempts int) (*model.Document, error)
	GetFile(ctx context.Context, id string) ([]byte, error)
	Pending(ctx context.Context) ([]*model.Document, error)
}

// Config controls concurrency, retries and ticket polling
type Config struct {
	Workers        int
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration
	PollInterval   time.Duration
	PollTimeout    time.Duration
	SweepInterval  time.Duration
	QueueSize      int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		MaxAttempts:    5,
		InitialDelay:   2 * time.Second,
		MaxDelay:       time.Minute,
		RequestTimeout: time.Minute,
		PollInterval:   10 * time.Second,
		PollTimeout:    5 * time.Minute,
		SweepInterval:  30 * time.Second,
		QueueSize:      256,
	}
}

// Dispatcher is the delivery worker pool
type Dispatcher struct {
	store   Store
	sender  sunat.Sender
	cfg     Config
	clock   clock.Clock
	metrics *Collector
	queue   chan string
}

// Option configures the dispatcher
type Option func(*Dispatcher)

// WithClock sets the clock used for backoff, polling and sweeps
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

// WithMetrics sets the collector updated by the workers
func WithMetrics(c *Collector) Option {
	return func(d *Dispatcher) {
		d.metrics = c
	}
}

// New creates a dispatcher. Zero config values take their defaults.
func New(store Store, sender sunat.Sender, cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	d := &Dispatcher{
		store:   store,
		sender:  sender,
		cfg:     cfg,
		clock:   clock.WallClock,
		metrics: NewMetricsCollector(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = make(chan string, cfg.QueueSize)
	return d
}

// Config returns the effective configuration
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Enqueue schedules id for delivery without blocking. When the queue is full
// the document is left for the next sweep.
func (d *Dispatcher) Enqueue(id string) {
	select {
	case d.queue <- id:
	default:
		logger.Warningf("delivery queue full, %s left for the next sweep", id)
	}
}

// Run starts the workers and the sweeper and blocks until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) error {
	logger.Infof("starting %d delivery workers", d.cfg.Workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			d.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		d.sweep(ctx)
		return nil
	})

	err := g.Wait()
	logger.Infof("delivery workers stopped")
	return err
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			if err := d.Process(ctx, id); err != nil && ctx.Err() == nil {
				logger.Errorf("processing %s: %v", id, err)
			}
		}
	}
}

// sweep enqueues documents still waiting, immediately and then every
// SweepInterval. This resumes work after a restart and after a full queue.
func (d *Dispatcher) sweep(ctx context.Context) {
	for {
		docs, err := d.store.Pending(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Errorf("listing pending documents: %v", err)
		}
		for _, doc := range docs {
			d.Enqueue(doc.ID)
		}

		select {
		case <-ctx.Done():
			return
		case <-d.clock.After(d.cfg.SweepInterval):
		}
	}
}

// Process claims id and delivers it to a terminal status. A document already
// owned by another worker, or already finished, is skipped.
func (d *Dispatcher) Process(ctx context.Context, id string) error {
	doc, err := d.store.Claim(ctx, id)
	if errors.Is(err, model.ErrAlreadyClaimed) {
		logger.Debugf("skipping %s: %v", id, err)
		return nil
	}
	if err != nil {
		return errors.Annotatef(err, "claiming %s", id)
	}

	d.metrics.inFlight.Inc()
	defer d.metrics.inFlight.Dec()
	start := d.clock.Now()
	defer func() {
		d.metrics.duration.Observe(d.clock.Now().Sub(start).Seconds())
	}()

	logger.Infof("delivering %s (%s) to %s", doc.ID, doc.FileInfo.Filename, doc.FileInfo.DeliveryURL)
	return d.deliver(ctx, doc)
}

// delivery is the state owned by one worker for one document
type delivery struct {
	doc      *model.Document
	attempts int
}

func (d *Dispatcher) deliver(ctx context.Context, doc *model.Document) error {
	dl := &delivery{doc: doc, attempts: doc.Attempts}

	file, err := d.store.GetFile(ctx, doc.ID)
	if err != nil {
		return d.fail(ctx, dl, failureStatus(err, ""), err)
	}

	req := sunat.SendRequest{
		URL:          doc.FileInfo.DeliveryURL,
		Filename:     doc.FileInfo.Filename,
		DocumentType: doc.FileInfo.DocumentType,
		Content:      file,
		Credentials:  doc.Credentials,
	}

	var resp *sunat.Response
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			dl.attempts++
			d.metrics.attempts.Inc()

			callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
			defer cancel()
			r, err := d.sender.Send(callCtx, req)
			if err != nil {
				return err
			}
			resp = r
			return nil
		},
		IsFatalError: func(err error) bool {
			return !sunat.IsTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warningf("attempt %d for %s failed: %v", attempt, doc.ID, err)
			d.record(ctx, dl, err)
		},
		Attempts:    d.cfg.MaxAttempts,
		Delay:       d.cfg.InitialDelay,
		MaxDelay:    d.cfg.MaxDelay,
		BackoffFunc: retry.ExpBackoff(d.cfg.InitialDelay, d.cfg.MaxDelay, 2, true),
		Clock:       d.clock,
		Stop:        ctx.Done(),
	})

	switch {
	case err == nil:
	case retry.IsRetryStopped(err):
		return d.interrupt(ctx, dl, retry.LastError(err))
	case retry.IsAttemptsExceeded(err):
		last := retry.LastError(err)
		return d.fail(ctx, dl, failureStatus(last, ""),
			fmt.Errorf("giving up after %d attempts: %w", dl.attempts, last))
	default:
		return d.fail(ctx, dl, failureStatus(err, ""), err)
	}

	switch {
	case len(resp.CDR) > 0:
		return d.complete(ctx, dl, resp, "")
	case resp.Ticket != "":
		return d.poll(ctx, dl, resp.Ticket)
	default:
		err := errors.New("endpoint returned neither a receipt nor a ticket")
		return d.fail(ctx, dl, failureStatus(err, ""), err)
	}
}

// poll waits for a ticket's receipt. The document stays DELIVERING with the
// ticket recorded in its sunat status.
func (d *Dispatcher) poll(ctx context.Context, dl *delivery, ticket string) error {
	if _, err := d.store.Update(ctx, dl.doc.ID, model.Transition{
		Status: model.StatusDelivering,
		SunatStatus: &model.SunatStatus{
			Code:        98,
			Ticket:      ticket,
			Status:      model.SunatProcessing,
			Description: "ticket " + ticket + " in process",
		},
		Attempts: dl.attempts,
	}); err != nil {
		return errors.Annotatef(err, "recording ticket for %s", dl.doc.ID)
	}
	logger.Infof("%s accepted with ticket %s, polling", dl.doc.ID, ticket)

	req := sunat.StatusRequest{
		URL:         dl.doc.FileInfo.DeliveryURL,
		Ticket:      ticket,
		Credentials: dl.doc.Credentials,
	}

	var resp *sunat.Response
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
			defer cancel()
			r, err := d.sender.Status(callCtx, req)
			if err != nil {
				return err
			}
			if r.Pending {
				return errTicketPending
			}
			resp = r
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errTicketPending) && !sunat.IsTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("poll %d for ticket %s: %v", attempt, ticket, err)
		},
		Attempts:    -1,
		Delay:       d.cfg.PollInterval,
		MaxDuration: d.cfg.PollTimeout,
		Clock:       d.clock,
		Stop:        ctx.Done(),
	})

	switch {
	case err == nil:
	case retry.IsRetryStopped(err):
		return d.interrupt(ctx, dl, retry.LastError(err))
	case retry.IsDurationExceeded(err):
		err := fmt.Errorf("ticket %s not resolved within %s", ticket, d.cfg.PollTimeout)
		status := &model.SunatStatus{
			Code:        sunat.CodeTransport,
			Ticket:      ticket,
			Status:      model.SunatError,
			Description: err.Error(),
		}
		return d.fail(ctx, dl, status, err)
	default:
		return d.fail(ctx, dl, failureStatus(err, ticket), err)
	}

	if len(resp.CDR) == 0 {
		err := fmt.Errorf("ticket %s resolved without a receipt", ticket)
		return d.fail(ctx, dl, failureStatus(err, ticket), err)
	}
	return d.complete(ctx, dl, resp, ticket)
}

// complete interprets a receipt: accepted receipts deliver the document,
// rejected ones fail it without attaching the receipt
func (d *Dispatcher) complete(ctx context.Context, dl *delivery, resp *sunat.Response, ticket string) error {
	var status model.SunatStatus
	if resp.Status != nil {
		status = *resp.Status
	} else {
		read, err := sunat.ReadCDR(resp.CDR)
		if err != nil {
			return d.fail(ctx, dl, failureStatus(err, ticket), err)
		}
		status = *read
	}
	status.Ticket = ticket

	ctx, cancel := persistContext(ctx)
	defer cancel()

	if !sunat.IsAccepted(status.Code) {
		logger.Infof("%s rejected: %d %s", dl.doc.ID, status.Code, status.Description)
		d.metrics.deliveries.WithLabelValues(OutcomeRejected).Inc()
		_, err := d.store.Update(ctx, dl.doc.ID, model.Transition{
			Status:      model.StatusFailed,
			SunatStatus: &status,
			Attempts:    dl.attempts,
			LastError:   status.Description,
		})
		return errors.Annotatef(err, "recording rejection of %s", dl.doc.ID)
	}

	if _, err := d.store.Deliver(ctx, dl.doc.ID, status, resp.CDR, dl.attempts); err != nil {
		return errors.Annotatef(err, "recording delivery of %s", dl.doc.ID)
	}
	d.metrics.deliveries.WithLabelValues(OutcomeDelivered).Inc()
	logger.Infof("%s delivered: %d %s", dl.doc.ID, status.Code, status.Description)
	return nil
}

// record persists a failed attempt while the document stays DELIVERING
func (d *Dispatcher) record(ctx context.Context, dl *delivery, cause error) {
	if _, err := d.store.Update(ctx, dl.doc.ID, model.Transition{
		Status:    model.StatusDelivering,
		Attempts:  dl.attempts,
		LastError: cause.Error(),
	}); err != nil {
		logger.Errorf("recording attempt %d of %s: %v", dl.attempts, dl.doc.ID, err)
	}
}

// fail moves the document to FAILED
func (d *Dispatcher) fail(ctx context.Context, dl *delivery, status *model.SunatStatus, cause error) error {
	logger.Warningf("%s failed: %v", dl.doc.ID, cause)
	d.metrics.deliveries.WithLabelValues(OutcomeFailed).Inc()

	ctx, cancel := persistContext(ctx)
	defer cancel()
	_, err := d.store.Update(ctx, dl.doc.ID, model.Transition{
		Status:      model.StatusFailed,
		SunatStatus: status,
		Attempts:    dl.attempts,
		LastError:   cause.Error(),
	})
	return errors.Annotatef(err, "recording failure of %s", dl.doc.ID)
}

// interrupt records why a delivery stopped before a terminal status.
// The document keeps DELIVERING so the trail shows where it stopped.
func (d *Dispatcher) interrupt(ctx context.Context, dl *delivery, cause error) error {
	msg := "delivery interrupted"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	logger.Warningf("%s: %s", dl.doc.ID, msg)

	pctx, cancel := persistContext(ctx)
	defer cancel()
	if _, err := d.store.Update(pctx, dl.doc.ID, model.Transition{
		Status:    model.StatusDelivering,
		Attempts:  dl.attempts,
		LastError: msg,
	}); err != nil {
		logger.Errorf("recording interruption of %s: %v", dl.doc.ID, err)
	}
	return ctx.Err()
}

// persistContext survives cancellation of ctx so the outcome is always written
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// failureStatus describes err as the remote outcome recorded on failure.
// Errors never come from a receipt, so only a fault in the rejection range
// keeps its receipt status; anything else is ERROR.
func failureStatus(err error, ticket string) *model.SunatStatus {
	var serr *sunat.Error
	if errors.As(err, &serr) {
		status := model.SunatError
		if sunat.StatusForCode(serr.Code) == model.SunatRejected {
			status = model.SunatRejected
		}
		return &model.SunatStatus{
			Code:        serr.Code,
			Ticket:      ticket,
			Status:      status,
			Description: serr.Message,
		}
	}
	return &model.SunatStatus{
		Code:        sunat.CodeTransport,
		Ticket:      ticket,
		Status:      model.SunatError,
		Description: err.Error(),
	}
}
