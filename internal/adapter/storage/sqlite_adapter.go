package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/rl1809/fifo-allocation/internal/core/domain"
	"github.com/rl1809/fifo-allocation/internal/port"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS inventory_batches (
	id            TEXT PRIMARY KEY,
	material_code TEXT NOT NULL,
	factory_scope TEXT NOT NULL DEFAULT '',
	location      TEXT NOT NULL DEFAULT '',
	batch_key     TEXT NOT NULL,
	opening_stock INTEGER NOT NULL DEFAULT 0,
	received      INTEGER NOT NULL DEFAULT 0,
	consumed      INTEGER NOT NULL DEFAULT 0,
	adjustment    INTEGER NOT NULL DEFAULT 0,
	version       INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batches_material ON inventory_batches (material_code, factory_scope, location, batch_key);

CREATE TABLE IF NOT EXISTS consumption_records (
	id            TEXT PRIMARY KEY,
	token         TEXT NOT NULL,
	material_code TEXT NOT NULL,
	batch_key     TEXT NOT NULL,
	line_kind     TEXT NOT NULL,
	quantity      INTEGER NOT NULL,
	sources       TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	UNIQUE (token, batch_key, line_kind)
);
CREATE INDEX IF NOT EXISTS idx_records_material ON consumption_records (material_code);
`

type batchRow struct {
	ID           string    `db:"id"`
	MaterialCode string    `db:"material_code"`
	FactoryScope string    `db:"factory_scope"`
	Location     string    `db:"location"`
	BatchKey     string    `db:"batch_key"`
	OpeningStock int       `db:"opening_stock"`
	Received     int       `db:"received"`
	Consumed     int       `db:"consumed"`
	Adjustment   int       `db:"adjustment"`
	Version      int       `db:"version"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r batchRow) toDomain() domain.InventoryBatch {
	return domain.InventoryBatch(r)
}

type recordRow struct {
	ID           string    `db:"id"`
	Token        string    `db:"token"`
	MaterialCode string    `db:"material_code"`
	BatchKey     string    `db:"batch_key"`
	LineKind     string    `db:"line_kind"`
	Quantity     int       `db:"quantity"`
	Sources      string    `db:"sources"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r recordRow) toDomain() (domain.ConsumptionRecord, error) {
	rec := domain.ConsumptionRecord{
		ID:           r.ID,
		Token:        r.Token,
		MaterialCode: r.MaterialCode,
		BatchKey:     r.BatchKey,
		Kind:         domain.LineKind(r.LineKind),
		Quantity:     r.Quantity,
		CreatedAt:    r.CreatedAt,
	}
	if err := json.Unmarshal([]byte(r.Sources), &rec.Sources); err != nil {
		return rec, fmt.Errorf("decode sources of record %s: %w", r.ID, err)
	}
	return rec, nil
}

// SQLiteAdapter is an embedded BatchStore for single-node deployments.
type SQLiteAdapter struct {
	db *sqlx.DB
}

// NewSQLiteAdapter opens path (":memory:" for a throwaway store) and migrates the schema.
func NewSQLiteAdapter(path string) (*SQLiteAdapter, error) {
	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// each connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLiteAdapter{db: db}, nil
}

func (s *SQLiteAdapter) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (s *SQLiteAdapter) PutBatch(ctx context.Context, b domain.InventoryBatch) (string, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	row := batchRow(b)
	row.Version = 0
	row.CreatedAt = now
	row.UpdatedAt = now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO inventory_batches
			(id, material_code, factory_scope, location, batch_key, opening_stock, received, consumed, adjustment, version, created_at, updated_at)
		VALUES
			(:id, :material_code, :factory_scope, :location, :batch_key, :opening_stock, :received, :consumed, :adjustment, :version, :created_at, :updated_at)`,
		row)
	if err != nil {
		return "", unavailable("insert batch", err)
	}
	return b.ID, nil
}

func (s *SQLiteAdapter) QueryBatches(ctx context.Context, materialCode string, scope domain.Scope) ([]domain.InventoryBatch, error) {
	query := `SELECT * FROM inventory_batches WHERE material_code = ?`
	args := []any{materialCode}
	if scope.FactoryScope != "" {
		query += ` AND factory_scope = ?`
		args = append(args, scope.FactoryScope)
	}
	if scope.Location != "" {
		query += ` AND location = ?`
		args = append(args, scope.Location)
	}

	var rows []batchRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, unavailable("query batches", err)
	}
	out := make([]domain.InventoryBatch, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *SQLiteAdapter) GetBatch(ctx context.Context, batchID string) (*domain.InventoryBatch, error) {
	var row batchRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM inventory_batches WHERE id = ?`, batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("query batch", err)
	}
	b := row.toDomain()
	return &b, nil
}

func (s *SQLiteAdapter) ConditionalUpdateBatch(ctx context.Context, batchID string, expectedStock, newStock, newConsumed int) (bool, error) {
	if newStock < 0 {
		return false, ErrNegativeStock
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE inventory_batches
		SET consumed = ?, version = version + 1, updated_at = ?
		WHERE id = ?
		  AND opening_stock + received - consumed - adjustment = ?
		  AND opening_stock + received - ? - adjustment = ?`,
		newConsumed, time.Now().UTC(), batchID, expectedStock, newConsumed, newStock,
	)
	if err != nil {
		return false, unavailable("update batch", err)
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func sqliteInsertRecord(ctx context.Context, db sqlx.ExtContext, r domain.ConsumptionRecord) error {
	sources, err := json.Marshal(r.Sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	_, err = sqlx.NamedExecContext(ctx, db, `
		INSERT INTO consumption_records (id, token, material_code, batch_key, line_kind, quantity, sources, created_at)
		VALUES (:id, :token, :material_code, :batch_key, :line_kind, :quantity, :sources, :created_at)`,
		recordRow{
			ID:           r.ID,
			Token:        r.Token,
			MaterialCode: r.MaterialCode,
			BatchKey:     r.BatchKey,
			LineKind:     string(r.Kind),
			Quantity:     r.Quantity,
			Sources:      string(sources),
			CreatedAt:    r.CreatedAt.UTC(),
		})
	if isUniqueViolation(err) {
		return fmt.Errorf("%s/%s/%s: %w", r.Token, r.BatchKey, r.Kind, ErrDuplicateRecord)
	}
	if err != nil {
		return unavailable("insert record", err)
	}
	return nil
}

func (s *SQLiteAdapter) AddRecord(ctx context.Context, record domain.ConsumptionRecord) (string, error) {
	record = prepareRecord(record)
	if err := sqliteInsertRecord(ctx, s.db, record); err != nil {
		return "", err
	}
	return record.ID, nil
}

func (s *SQLiteAdapter) ListRecords(ctx context.Context, filter domain.RecordFilter) ([]domain.ConsumptionRecord, error) {
	where, args := recordWhere(filter)
	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM consumption_records`+where+` ORDER BY created_at, id`, args...); err != nil {
		return nil, unavailable("query records", err)
	}
	out := make([]domain.ConsumptionRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLiteAdapter) DeleteRecordsMatching(ctx context.Context, filter domain.RecordFilter) (int, error) {
	where, args := recordWhere(filter)
	result, err := s.db.ExecContext(ctx, `DELETE FROM consumption_records`+where, args...)
	if err != nil {
		return 0, unavailable("delete records", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *SQLiteAdapter) BatchedWrite(ctx context.Context, ops []port.Op) error {
	if len(ops) > port.MaxBatchOps {
		return fmt.Errorf("%d ops: %w", len(ops), ErrBatchTooLarge)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		switch op.Type {
		case port.OpAddRecord:
			if err := sqliteInsertRecord(ctx, tx, prepareRecord(op.Record)); err != nil {
				return err
			}
		case port.OpDeleteRecord:
			if _, err := tx.ExecContext(ctx, `DELETE FROM consumption_records WHERE id = ?`, op.RecordID); err != nil {
				return unavailable("delete record", err)
			}
		default:
			return fmt.Errorf("unknown op type %q", op.Type)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit tx", err)
	}
	return nil
}
