package dispatcher_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/xml-sender/internal/dispatcher"
	"github.com/rezonia/xml-sender/internal/model"
	"github.com/rezonia/xml-sender/internal/storage"
	"github.com/rezonia/xml-sender/internal/sunat"
)

type result struct {
	resp *sunat.Response
	err  error
}

// fakeSender replays scripted results; the last one repeats
type fakeSender struct {
	mu          sync.Mutex
	sends       []result
	statuses    []result
	sendCalls   int
	statusCalls int
	inFlight    int
	maxInFlight int
	sendDelay   time.Duration
	requests    []sunat.SendRequest
}

func next(script []result, call int) (*sunat.Response, error) {
	if call >= len(script) {
		call = len(script) - 1
	}
	return script[call].resp, script[call].err
}

func (f *fakeSender) Send(ctx context.Context, req sunat.SendRequest) (*sunat.Response, error) {
	f.mu.Lock()
	call := f.sendCalls
	f.sendCalls++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.requests = append(f.requests, req)
	delay := f.sendDelay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return next(f.sends, call)
}

func (f *fakeSender) Status(_ context.Context, req sunat.StatusRequest) (*sunat.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.statusCalls
	f.statusCalls++
	return next(f.statuses, call)
}

func (f *fakeSender) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls, f.statusCalls
}

var (
	accepted = &sunat.Response{
		CDR: []byte("R-12345678912-01-F001-1.zip"),
		Status: &model.SunatStatus{
			Code:        0,
			Status:      model.SunatAccepted,
			Description: "La Factura numero F001-1, ha sido aceptada",
		},
	}
	rejected = &sunat.Response{
		CDR: []byte("R-12345678912-01-F001-1.zip"),
		Status: &model.SunatStatus{
			Code:        2335,
			Status:      model.SunatRejected,
			Description: "El documento electronico ingresado ha sido alterado",
		},
	}
	unavailable = sunat.NewError(503, "endpoint unavailable: 503 Service Unavailable", true, nil)
	badRequest  = sunat.NewError(151, "El nombre del archivo ZIP es incorrecto", false, nil)
)

func testConfig() dispatcher.Config {
	return dispatcher.Config{
		Workers:        2,
		MaxAttempts:    3,
		InitialDelay:   time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		RequestTimeout: time.Second,
		PollInterval:   2 * time.Millisecond,
		PollTimeout:    50 * time.Millisecond,
		SweepInterval:  10 * time.Millisecond,
		QueueSize:      8,
	}
}

// recordingStore captures every status a document passes through
type recordingStore struct {
	*storage.Store
	mu       sync.Mutex
	statuses map[string][]model.DeliveryStatus
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		Store:    storage.NewMemoryStore(),
		statuses: make(map[string][]model.DeliveryStatus),
	}
}

func (s *recordingStore) observe(doc *model.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[doc.ID] = append(s.statuses[doc.ID], doc.DeliveryStatus)
}

func (s *recordingStore) Claim(ctx context.Context, id string) (*model.Document, error) {
	doc, err := s.Store.Claim(ctx, id)
	if err == nil {
		s.observe(doc)
	}
	return doc, err
}

func (s *recordingStore) Update(ctx context.Context, id string, t model.Transition) (*model.Document, error) {
	doc, err := s.Store.Update(ctx, id, t)
	if err == nil {
		s.observe(doc)
	}
	return doc, err
}

func (s *recordingStore) Deliver(ctx context.Context, id string, status model.SunatStatus, cdr []byte, attempts int) (*model.Document, error) {
	doc, err := s.Store.Deliver(ctx, id, status, cdr, attempts)
	if err == nil {
		s.observe(doc)
	}
	return doc, err
}

func createDocument(t *testing.T, store *recordingStore, info model.FileInfo) *model.Document {
	t.Helper()
	doc, err := store.Create(context.Background(), info,
		model.Credentials{Username: "12345678912MODDATOS", Password: "MODDATOS"},
		[]byte("<Invoice/>"), "")
	require.NoError(t, err)
	return doc
}

var invoiceInfo = model.FileInfo{
	RUC:          "12345678912",
	Filename:     "12345678912-01-F001-1",
	DocumentID:   "F001-1",
	DocumentType: model.DocumentTypeInvoice,
	DeliveryURL:  "https://e-beta.sunat.gob.pe/ol-ti-itcpfegem-beta/billService",
}

var voidedInfo = model.FileInfo{
	RUC:          "12345678912",
	Filename:     "12345678912-RA-20200101-1",
	DocumentID:   "RA-20200101-1",
	DocumentType: model.DocumentTypeVoidedDocuments,
	DeliveryURL:  "https://e-beta.sunat.gob.pe/ol-ti-itcpfegem-beta/billService",
}

func assertLegalPath(t *testing.T, statuses []model.DeliveryStatus) {
	t.Helper()
	prev := model.StatusScheduledToDeliver
	for _, s := range statuses {
		assert.True(t, prev.CanTransitionTo(s), "illegal edge %s -> %s", prev, s)
		prev = s
	}
}

func TestDispatcher_ImmediateAcceptance(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	sender := &fakeSender{sends: []result{{resp: accepted}}}
	metrics := dispatcher.NewMetricsCollector()
	d := dispatcher.New(store, sender, testConfig(), dispatcher.WithMetrics(metrics))

	doc := createDocument(t, store, invoiceInfo)
	require.NoError(t, d.Process(ctx, doc.ID))

	got, err := store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, got.DeliveryStatus)
	assert.NotEmpty(t, got.CDRID)
	require.NotNil(t, got.SunatStatus)
	assert.Equal(t, 0, got.SunatStatus.Code)
	assert.Equal(t, model.SunatAccepted, got.SunatStatus.Status)
	assert.Equal(t, "La Factura numero F001-1, ha sido aceptada", got.SunatStatus.Description)
	assert.Equal(t, 1, got.Attempts)

	cdr, err := store.GetCDR(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, accepted.CDR, cdr)

	require.Len(t, sender.requests, 1)
	assert.Equal(t, invoiceInfo.Filename, sender.requests[0].Filename)
	assert.Equal(t, []byte("<Invoice/>"), sender.requests[0].Content)
	assert.Equal(t, "12345678912MODDATOS", sender.requests[0].Credentials.Username)

	assertLegalPath(t, store.statuses[doc.ID])
	assert.Equal(t, 1.0, deliveries(t, metrics, dispatcher.OutcomeDelivered))
	assert.Equal(t, 0.0, deliveries(t, metrics, dispatcher.OutcomeFailed))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics, "xmlsender_delivery_attempts_total"))
}

func deliveries(t *testing.T, c *dispatcher.Collector, outcome string) float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != "xmlsender_deliveries_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestDispatcher_ImmediateRejection(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	d := dispatcher.New(store, &fakeSender{sends: []result{{resp: rejected}}}, testConfig())

	doc := createDocument(t, store, invoiceInfo)
	require.NoError(t, d.Process(ctx, doc.ID))

	got, err := store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.DeliveryStatus)
	assert.Empty(t, got.CDRID)
	require.NotNil(t, got.SunatStatus)
	assert.Equal(t, 2335, got.SunatStatus.Code)
	assert.Equal(t, model.SunatRejected, got.SunatStatus.Status)
	assert.NotEmpty(t, got.SunatStatus.Description)

	_, err = store.GetCDR(ctx, doc.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assertLegalPath(t, store.statuses[doc.ID])
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	sender := &fakeSender{sends: []result{{err: unavailable}, {err: unavailable}, {resp: accepted}}}
	d := dispatcher.New(store, sender, testConfig())

	doc := createDocument(t, store, invoiceInfo)
	require.NoError(t, d.Process(ctx, doc.ID))

	got, err := store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, got.DeliveryStatus)
	assert.Equal(t, 3, got.Attempts)
	assert.Empty(t, got.LastError)

	sends, _ := sender.calls()
	assert.Equal(t, 3, sends)

	// every failed attempt is persisted before the next one
	statuses := store.statuses[doc.ID]
	assert.Equal(t, []model.DeliveryStatus{
		model.StatusDelivering,
		model.StatusDelivering,
		model.StatusDelivering,
		model.StatusDelivered,
	}, statuses)
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	sender := &fakeSender{sends: []result{{err: unavailable}}}
	d := dispatcher.New(store, sender, testConfig())

	doc := createDocument(t, store, invoiceInfo)
	require.NoError(t, d.Process(ctx, doc.ID))

	got, err := store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.DeliveryStatus)
	assert.Equal(t, 3, got.Attempts)
	assert.Contains(t, got.LastError, "giving up after 3 attempts")
	assert.Empty(t, got.CDRID)
	require.NotNil(t, got.SunatStatus)
	assert.Equal(t, 503, got.SunatStatus.Code)

	sends, _ := sender.calls()
	assert.Equal(t, 3, sends)
	assertLegalPath(t, store.statuses[doc.ID])
}

func TestDispatcher_TerminalErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	sender := &fakeSender{sends: []result{{err: badRequest}}}
	d := dispatcher.New(store, sender, testConfig())

	doc := createDocument(t, store, invoiceInfo)
	require.NoError(t, d.Process(ctx, doc.ID))

	got, err := store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.DeliveryStatus)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.SunatStatus)
	assert.Equal(t, 151, got.SunatStatus.Code)
	assert.Equal(t, model.SunatError, got.SunatStatus.Status)
	assert.Equal(t, "El nombre del archivo ZIP es incorrecto", got.SunatStatus.Description)

	sends, _ := sender.calls()
	assert.Equal(t, 1, sends)
}

func TestDispatcher_UnreadableResponseIsNotAcceptance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<soap-env:Envelope xmlns:soap-env="http://schemas.xmlsoap.org/soap/envelope/">
  <soap-env:Body>
    <br:sendBillResponse xmlns:br="http://service.sunat.gob.pe"/>
  </soap-env:Body>
</soap-env:Envelope>`)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := newRecordingStore()
	cfg := testConfig()
	cfg.MaxAttempts = 1
	d := dispatcher.New(store, sunat.NewClient(), cfg)

	info := invoiceInfo
	info.DeliveryURL = srv.URL
	doc := createDocument(t, store, info)
	require.NoError(t, d.Process(ctx, doc.ID))

	got, err := store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.DeliveryStatus)
	assert.Empty(t, got.CDRID)
	require.NotNil(t, got.SunatStatus)
	assert.Equal(t, sunat.CodeInvalidResponse, got.SunatStatus.Code)
	assert.Equal(t, model.SunatError, got.SunatStatus.Status)
	assert.NotEqual(t, model.SunatAccepted, got.SunatStatus.Status)
	assert.Contains(t, got.SunatStatus.Description, "applicationResponse")
}

func TestDispatcher_FailureStatusNeverAccepts(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status string
	}{
		{"fault without code", sunat.NewError(sunat.CodeInvalidResponse, "Internal Error", false, nil), model.SunatError},
		{"exception range fault", badRequest, model.SunatError},
		{"rejection range fault", sunat.NewError(2335, "documento alterado", false, nil), model.SunatRejected},
		{"plain error", errors.New("disk full"), model.SunatError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := newRecordingStore()
			d := dispatcher.New(store, &fakeSender{sends: []result{{err: tt.err}}}, testConfig())

			doc := createDocument(t, store, invoiceInfo)
			require.NoError(t, d.Process(ctx, doc.ID))

			got, err := store.Get(ctx, doc.ID)
			require.NoError(t, err)
			assert.Equal(t, model.StatusFailed, got.DeliveryStatus)
			require.NotNil(t, got.SunatStatus)
			assert.Equal(t, tt.status, got.SunatStatus.Status)
			assert.NotEqual(t, 0, got.SunatStatus.Code)
		})
	}
}

func TestDispatcher_TicketPolling(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	sender := &fakeSender{
		sends: []result{{resp: &sunat.Response{Ticket: "1500523236696"}}},
		statuses: []result{
			{resp: &sunat.Response{Pending: true}},
			{err: unavailable},
			{resp: &sunat.Response{Pending: true}},
			{resp: accepted},
		},
	}
	d := dispatcher.New(store, sender, testConfig())

	doc := createDocument(t, store, voidedInfo)
	require.NoError(t, d.Process(ctx, doc.ID))

	got, err := store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, got.DeliveryStatus)
	assert.NotEmpty(t, got.CDRID)
	require.NotNil(t, got.SunatStatus)
	assert.Equal(t, "1500523236696", got.SunatStatus.Ticket)
	assert.Equal(t, model.SunatAccepted, got.SunatStatus.Status)

	sends, polls := sender.calls()
	assert.Equal(t, 1, sends)
	assert.Equal(t, 4, polls)

	// the ticket sub-state does not change the visible status
	assert.Equal(t, []model.DeliveryStatus{
		model.StatusDelivering,
		model.StatusDelivering,
		model.StatusDelivered,
	}, store.statuses[doc.ID])
}

func TestDispatcher_TicketPollTimeout(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	sender := &fakeSender{
		sends:    []result{{resp: &sunat.Response{Ticket: "1500523236696"}}},
		statuses: []result{{resp: &sunat.Response{Pending: true}}},
	}
	d := dispatcher.New(store, sender, testConfig())

	doc := createDocument(t, store, voidedInfo)
	require.NoError(t, d.Process(ctx, doc.ID))

	got, err := store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.DeliveryStatus)
	assert.Empty(t, got.CDRID)
	require.NotNil(t, got.SunatStatus)
	assert.Equal(t, "1500523236696", got.SunatStatus.Ticket)
	assert.Contains(t, got.LastError, "not resolved")

	_, polls := sender.calls()
	assert.Greater(t, polls, 1)
}

func TestDispatcher_SkipsClaimedDocuments(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	sender := &fakeSender{sends: []result{{resp: accepted}}}
	d := dispatcher.New(store, sender, testConfig())

	doc := createDocument(t, store, invoiceInfo)
	require.NoError(t, d.Process(ctx, doc.ID))
	require.NoError(t, d.Process(ctx, doc.ID))

	sends, _ := sender.calls()
	assert.Equal(t, 1, sends)

	err := d.Process(ctx, "missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestDispatcher_ConcurrentProcessSendsOnce(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	sender := &fakeSender{sends: []result{{resp: accepted}}, sendDelay: 20 * time.Millisecond}
	d := dispatcher.New(store, sender, testConfig())

	doc := createDocument(t, store, invoiceInfo)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Process(ctx, doc.ID))
		}()
	}
	wg.Wait()

	sends, _ := sender.calls()
	assert.Equal(t, 1, sends)
	assert.Equal(t, 1, sender.maxInFlight)
}

func TestDispatcher_RunDeliversEnqueuedAndPending(t *testing.T) {
	store := newRecordingStore()
	sender := &fakeSender{sends: []result{{resp: accepted}}}
	d := dispatcher.New(store, sender, testConfig())

	// created before Run starts: picked up by the sweep
	pending := createDocument(t, store, invoiceInfo)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	queued := createDocument(t, store, invoiceInfo)
	d.Enqueue(queued.ID)

	for _, id := range []string{pending.ID, queued.ID} {
		require.Eventually(t, func() bool {
			doc, err := store.Get(context.Background(), id)
			return err == nil && doc.DeliveryStatus == model.StatusDelivered
		}, 2*time.Second, 5*time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	sends, _ := sender.calls()
	assert.Equal(t, 2, sends)
}

func TestDispatcher_ShutdownRecordsInterruption(t *testing.T) {
	store := newRecordingStore()
	cfg := testConfig()
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour
	sender := &fakeSender{sends: []result{{err: unavailable}}}
	d := dispatcher.New(store, sender, cfg)

	doc := createDocument(t, store, invoiceInfo)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Process(ctx, doc.ID) }()

	require.Eventually(t, func() bool {
		sends, _ := sender.calls()
		return sends == 1
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("process did not stop")
	}

	got, err := store.Get(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivering, got.DeliveryStatus)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "delivery interrupted")
}

func TestNew_AppliesDefaults(t *testing.T) {
	d := dispatcher.New(storage.NewMemoryStore(), &fakeSender{}, dispatcher.Config{})
	assert.Equal(t, dispatcher.DefaultConfig(), d.Config())
}
