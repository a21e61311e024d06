package storage_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/xml-sender/internal/model"
	"github.com/rezonia/xml-sender/internal/storage"
)

var testInfo = model.FileInfo{
	RUC:          "12345678912",
	Filename:     "12345678912-01-F001-1",
	DocumentID:   "F001-1",
	DocumentType: model.DocumentTypeInvoice,
	DeliveryURL:  "https://e-beta.sunat.gob.pe/ol-ti-itcpfegem-beta/billService",
}

var testCreds = model.Credentials{Username: "12345678912MODDATOS", Password: "MODDATOS", System: true}

// repositories returns every implementation that runs without external services
func repositories(t *testing.T) map[string]storage.DocumentRepository {
	t.Helper()

	sqlite, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "documents.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]storage.DocumentRepository{
		"memory": storage.NewMemoryRepository(),
		"sqlite": sqlite,
	}
}

func TestStore_CreateAndRead(t *testing.T) {
	ctx := context.Background()

	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			store := storage.NewStore(repo, storage.NewMemoryBlobStore())
			file := []byte("<Invoice>\n  <ID>F001-1</ID>\n</Invoice>\n")

			doc, err := store.Create(ctx, testInfo, testCreds, file, "my-tag")
			require.NoError(t, err)
			assert.NotEmpty(t, doc.ID)
			assert.NotEmpty(t, doc.FileID)
			assert.Empty(t, doc.CDRID)
			assert.Equal(t, model.StatusScheduledToDeliver, doc.DeliveryStatus)
			assert.Equal(t, "my-tag", doc.CustomID)

			got, err := store.Get(ctx, doc.ID)
			require.NoError(t, err)
			assert.Equal(t, doc.FileID, got.FileID)
			assert.Equal(t, testInfo, got.FileInfo)
			assert.Equal(t, testCreds, got.Credentials)
			assert.Nil(t, got.SunatStatus)
			assert.True(t, doc.CreatedAt.Equal(got.CreatedAt))

			data, err := store.GetFile(ctx, doc.ID)
			require.NoError(t, err)
			assert.Equal(t, file, data)

			_, err = store.GetCDR(ctx, doc.ID)
			assert.True(t, errors.Is(err, model.ErrNotFound))
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()

	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			store := storage.NewStore(repo, storage.NewMemoryBlobStore())

			_, err := store.Get(ctx, "missing")
			assert.True(t, errors.Is(err, model.ErrNotFound))

			_, err = store.GetFile(ctx, "missing")
			assert.True(t, errors.Is(err, model.ErrNotFound))

			_, err = store.GetCDR(ctx, "missing")
			assert.True(t, errors.Is(err, model.ErrNotFound))

			_, err = store.Claim(ctx, "missing")
			assert.True(t, errors.Is(err, model.ErrNotFound))
		})
	}
}

func TestStore_DeliveryLifecycle(t *testing.T) {
	ctx := context.Background()

	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			store := storage.NewStore(repo, storage.NewMemoryBlobStore())
			doc, err := store.Create(ctx, testInfo, testCreds, []byte("<Invoice/>"), "")
			require.NoError(t, err)

			claimed, err := store.Claim(ctx, doc.ID)
			require.NoError(t, err)
			assert.Equal(t, model.StatusDelivering, claimed.DeliveryStatus)

			_, err = store.Claim(ctx, doc.ID)
			assert.True(t, errors.Is(err, model.ErrAlreadyClaimed))

			updated, err := store.Update(ctx, doc.ID, model.Transition{
				Status:    model.StatusDelivering,
				Attempts:  1,
				LastError: "connection reset",
			})
			require.NoError(t, err)
			assert.Equal(t, 1, updated.Attempts)
			assert.Equal(t, "connection reset", updated.LastError)

			cdr := []byte("PK-zip-bytes")
			delivered, err := store.Deliver(ctx, doc.ID, model.SunatStatus{
				Code:        0,
				Status:      model.SunatAccepted,
				Description: "La Factura numero F001-1, ha sido aceptada",
			}, cdr, 2)
			require.NoError(t, err)
			assert.Equal(t, model.StatusDelivered, delivered.DeliveryStatus)
			assert.NotEmpty(t, delivered.CDRID)
			assert.Empty(t, delivered.LastError)

			got, err := store.Get(ctx, doc.ID)
			require.NoError(t, err)
			assert.Equal(t, delivered.CDRID, got.CDRID)
			require.NotNil(t, got.SunatStatus)
			assert.Equal(t, model.SunatAccepted, got.SunatStatus.Status)
			assert.Equal(t, 2, got.Attempts)

			data, err := store.GetCDR(ctx, doc.ID)
			require.NoError(t, err)
			assert.Equal(t, cdr, data)

			_, err = store.Update(ctx, doc.ID, model.Transition{Status: model.StatusFailed})
			var terr *model.TransitionError
			assert.True(t, errors.As(err, &terr))
		})
	}
}

func TestStore_Pending(t *testing.T) {
	ctx := context.Background()

	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			store := storage.NewStore(repo, storage.NewMemoryBlobStore())

			var ids []string
			for i := 0; i < 3; i++ {
				doc, err := store.Create(ctx, testInfo, testCreds, []byte(fmt.Sprintf("<Invoice>%d</Invoice>", i)), "")
				require.NoError(t, err)
				ids = append(ids, doc.ID)
			}
			_, err := store.Claim(ctx, ids[1])
			require.NoError(t, err)

			pending, err := store.Pending(ctx)
			require.NoError(t, err)
			var got []string
			for _, doc := range pending {
				got = append(got, doc.ID)
			}
			assert.ElementsMatch(t, []string{ids[0], ids[2]}, got)
		})
	}
}

func TestStore_ClaimStampsUpdatedAt(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			clk := testclock.NewClock(start)
			store := storage.NewStore(repo, storage.NewMemoryBlobStore(), storage.WithClock(clk))
			doc, err := store.Create(ctx, testInfo, testCreds, []byte("<Invoice/>"), "")
			require.NoError(t, err)

			clk.Advance(time.Minute)
			claimed, err := store.Claim(ctx, doc.ID)
			require.NoError(t, err)
			assert.True(t, claimed.CreatedAt.Equal(start))
			assert.True(t, claimed.UpdatedAt.Equal(start.Add(time.Minute)), "updated at %s", claimed.UpdatedAt)

			got, err := store.Get(ctx, doc.ID)
			require.NoError(t, err)
			assert.True(t, got.UpdatedAt.Equal(start.Add(time.Minute)))
		})
	}
}

func TestStore_ListByStatus(t *testing.T) {
	ctx := context.Background()

	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			store := storage.NewStore(repo, storage.NewMemoryBlobStore())

			var ids []string
			for i := 0; i < 3; i++ {
				doc, err := store.Create(ctx, testInfo, testCreds, []byte("<Invoice/>"), "")
				require.NoError(t, err)
				ids = append(ids, doc.ID)
			}
			for _, id := range ids[:2] {
				_, err := store.Claim(ctx, id)
				require.NoError(t, err)
			}

			stranded, err := store.ListByStatus(ctx, model.StatusDelivering)
			require.NoError(t, err)
			var got []string
			for _, doc := range stranded {
				got = append(got, doc.ID)
			}
			assert.ElementsMatch(t, ids[:2], got)

			delivered, err := store.ListByStatus(ctx, model.StatusDelivered)
			require.NoError(t, err)
			assert.Empty(t, delivered)

			_, err = store.ListByStatus(ctx, "LOST")
			assert.True(t, errors.Is(err, errors.NotValid))
		})
	}
}

func TestStore_ConcurrentClaim(t *testing.T) {
	ctx := context.Background()

	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			store := storage.NewStore(repo, storage.NewMemoryBlobStore())
			doc, err := store.Create(ctx, testInfo, testCreds, []byte("<Invoice/>"), "")
			require.NoError(t, err)

			var (
				wg      sync.WaitGroup
				winners atomic.Int32
			)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := store.Claim(ctx, doc.ID); err == nil {
						winners.Add(1)
					} else {
						assert.True(t, errors.Is(err, model.ErrAlreadyClaimed))
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), winners.Load())
		})
	}
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()

	require.NoError(t, repo.Create(ctx, &model.Document{ID: "a", DeliveryStatus: model.StatusScheduledToDeliver}))

	doc, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	doc.DeliveryStatus = model.StatusFailed

	again, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusScheduledToDeliver, again.DeliveryStatus)

	assert.Error(t, repo.Create(ctx, &model.Document{ID: "a"}))
}

func TestSQLiteRepository_AddsSystemCredentialsColumn(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "documents.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE documents (
		id TEXT PRIMARY KEY, file_id TEXT NOT NULL, cdr_id TEXT, custom_id TEXT,
		ruc TEXT NOT NULL, filename TEXT NOT NULL, document_id TEXT NOT NULL,
		document_type TEXT NOT NULL, delivery_url TEXT NOT NULL, username TEXT, password TEXT,
		delivery_status TEXT NOT NULL, sunat_status TEXT, attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT, created_at TEXT NOT NULL, updated_at TEXT NOT NULL
	)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	repo, err := storage.NewSQLiteRepository(path)
	require.NoError(t, err)
	defer repo.Close()

	store := storage.NewStore(repo, storage.NewMemoryBlobStore())
	doc, err := store.Create(ctx, testInfo, testCreds, []byte("<Invoice/>"), "")
	require.NoError(t, err)

	got, err := store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, got.Credentials.System)
}
