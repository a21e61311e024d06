package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rezonia/xml-sender/internal/model"
)

// SQLiteRepository persists records in a single SQLite table
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) the database at dbPath
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; a single connection also keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// migrate creates the necessary tables
func (r *SQLiteRepository) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			file_id TEXT NOT NULL,
			cdr_id TEXT,
			custom_id TEXT,
			ruc TEXT NOT NULL,
			filename TEXT NOT NULL,
			document_id TEXT NOT NULL,
			document_type TEXT NOT NULL,
			delivery_url TEXT NOT NULL,
			username TEXT,
			password TEXT,
			system_credentials INTEGER NOT NULL DEFAULT 0,
			delivery_status TEXT NOT NULL,
			sunat_status TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(delivery_status);
	`

	if _, err := r.db.Exec(schema); err != nil {
		return err
	}

	// databases created before system_credentials existed
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('documents') WHERE name = 'system_credentials'`).Scan(&n)
	if err != nil {
		return errors.Annotate(err, "inspecting documents table")
	}
	if n == 0 {
		_, err = r.db.Exec(`ALTER TABLE documents ADD COLUMN system_credentials INTEGER NOT NULL DEFAULT 0`)
		return errors.Annotate(err, "adding system_credentials column")
	}
	return nil
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

const selectColumns = `id, file_id, cdr_id, custom_id, ruc, filename, document_id, document_type,
	delivery_url, username, password, system_credentials, delivery_status, sunat_status, attempts, last_error,
	created_at, updated_at`

func (r *SQLiteRepository) Create(ctx context.Context, doc *model.Document) error {
	sunatStatus, err := encodeSunatStatus(doc.SunatStatus)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO documents (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		doc.ID, doc.FileID, nullString(doc.CDRID), nullString(doc.CustomID),
		doc.FileInfo.RUC, doc.FileInfo.Filename, doc.FileInfo.DocumentID, doc.FileInfo.DocumentType,
		doc.FileInfo.DeliveryURL, doc.Credentials.Username, doc.Credentials.Password, doc.Credentials.System,
		string(doc.DeliveryStatus), sunatStatus, doc.Attempts, nullString(doc.LastError),
		formatTime(doc.CreatedAt), formatTime(doc.UpdatedAt),
	)
	return errors.Annotatef(err, "inserting document %s", doc.ID)
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*model.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM documents WHERE id = ?`, id)
	return scanDocument(row, id)
}

func (r *SQLiteRepository) Claim(ctx context.Context, id string, at time.Time) (*model.Document, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE documents SET delivery_status = ?, updated_at = ?
		WHERE id = ? AND delivery_status = ?
	`, string(model.StatusDelivering), formatTime(at), id, string(model.StatusScheduledToDeliver))
	if err != nil {
		return nil, errors.Annotatef(err, "claiming document %s", id)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	doc, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("document %s is %s: %w", id, doc.DeliveryStatus, model.ErrAlreadyClaimed)
	}
	return doc, nil
}

func (r *SQLiteRepository) Update(ctx context.Context, id string, t model.Transition) (*model.Document, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row, id)
	if err != nil {
		return nil, err
	}
	prevStatus, prevAttempts := doc.DeliveryStatus, doc.Attempts

	if err := doc.Apply(t); err != nil {
		return nil, err
	}
	sunatStatus, err := encodeSunatStatus(doc.SunatStatus)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET delivery_status = ?, sunat_status = ?, cdr_id = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND delivery_status = ? AND attempts = ?
	`,
		string(doc.DeliveryStatus), sunatStatus, nullString(doc.CDRID), doc.Attempts,
		nullString(doc.LastError), formatTime(doc.UpdatedAt),
		id, string(prevStatus), prevAttempts,
	)
	if err != nil {
		return nil, errors.Annotatef(err, "updating document %s", id)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, fmt.Errorf("document %s: %w", id, ErrConcurrentUpdate)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return doc, nil
}

func (r *SQLiteRepository) ListByStatus(ctx context.Context, status model.DeliveryStatus) ([]*model.Document, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM documents
		WHERE delivery_status = ?
		ORDER BY created_at
	`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Document
	for rows.Next() {
		doc, err := scanDocument(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner, id string) (*model.Document, error) {
	var (
		doc                             model.Document
		cdrID, customID, lastError      sql.NullString
		username, password, sunatStatus sql.NullString
		status, createdAt, updatedAt    string
		system                          bool
	)
	err := row.Scan(
		&doc.ID, &doc.FileID, &cdrID, &customID,
		&doc.FileInfo.RUC, &doc.FileInfo.Filename, &doc.FileInfo.DocumentID, &doc.FileInfo.DocumentType,
		&doc.FileInfo.DeliveryURL, &username, &password, &system, &status, &sunatStatus, &doc.Attempts, &lastError,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}

	doc.CDRID = cdrID.String
	doc.CustomID = customID.String
	doc.LastError = lastError.String
	doc.Credentials = model.Credentials{Username: username.String, Password: password.String, System: system}
	doc.DeliveryStatus = model.DeliveryStatus(status)
	doc.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	doc.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)

	if sunatStatus.Valid && sunatStatus.String != "" {
		var s model.SunatStatus
		if err := json.Unmarshal([]byte(sunatStatus.String), &s); err != nil {
			return nil, errors.Annotatef(err, "decoding sunat status of %s", doc.ID)
		}
		doc.SunatStatus = &s
	}
	return &doc, nil
}

func encodeSunatStatus(s *model.SunatStatus) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// timeLayout has a fixed width so stored timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
