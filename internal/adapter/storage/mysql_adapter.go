package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/rl1809/fifo-allocation/internal/core/domain"
	"github.com/rl1809/fifo-allocation/internal/port"
)

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS inventory_batches (
	id            VARCHAR(64)  NOT NULL PRIMARY KEY,
	material_code VARCHAR(64)  NOT NULL,
	factory_scope VARCHAR(64)  NOT NULL DEFAULT '',
	location      VARCHAR(64)  NOT NULL DEFAULT '',
	batch_key     VARCHAR(32)  NOT NULL,
	opening_stock INT          NOT NULL DEFAULT 0,
	received      INT          NOT NULL DEFAULT 0,
	consumed      INT          NOT NULL DEFAULT 0,
	adjustment    INT          NOT NULL DEFAULT 0,
	version       INT          NOT NULL DEFAULT 0,
	created_at    DATETIME(6)  NOT NULL,
	updated_at    DATETIME(6)  NOT NULL,
	KEY idx_batches_material (material_code, factory_scope, location, batch_key)
);
CREATE TABLE IF NOT EXISTS consumption_records (
	id            VARCHAR(64)  NOT NULL PRIMARY KEY,
	token         VARCHAR(128) NOT NULL,
	material_code VARCHAR(64)  NOT NULL,
	batch_key     VARCHAR(32)  NOT NULL,
	line_kind     VARCHAR(16)  NOT NULL,
	quantity      INT          NOT NULL,
	sources       JSON         NOT NULL,
	created_at    DATETIME(6)  NOT NULL,
	UNIQUE KEY uq_records_token_line (token, batch_key, line_kind),
	KEY idx_records_material (material_code)
);`

// MySQLAdapter is the production BatchStore.
type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate creates the tables when they do not exist.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(mysqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func (m *MySQLAdapter) PutBatch(ctx context.Context, b domain.InventoryBatch) (string, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now()
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO inventory_batches
			(id, material_code, factory_scope, location, batch_key, opening_stock, received, consumed, adjustment, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		b.ID, b.MaterialCode, b.FactoryScope, b.Location, b.BatchKey,
		b.OpeningStock, b.Received, b.Consumed, b.Adjustment, now, now,
	)
	if err != nil {
		return "", unavailable("insert batch", err)
	}
	return b.ID, nil
}

const batchColumns = `id, material_code, factory_scope, location, batch_key, opening_stock, received, consumed, adjustment, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (domain.InventoryBatch, error) {
	var b domain.InventoryBatch
	err := row.Scan(&b.ID, &b.MaterialCode, &b.FactoryScope, &b.Location, &b.BatchKey,
		&b.OpeningStock, &b.Received, &b.Consumed, &b.Adjustment, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (m *MySQLAdapter) QueryBatches(ctx context.Context, materialCode string, scope domain.Scope) ([]domain.InventoryBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM inventory_batches WHERE material_code = ?`
	args := []any{materialCode}
	if scope.FactoryScope != "" {
		query += ` AND factory_scope = ?`
		args = append(args, scope.FactoryScope)
	}
	if scope.Location != "" {
		query += ` AND location = ?`
		args = append(args, scope.Location)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query batches", err)
	}
	defer rows.Close()

	var out []domain.InventoryBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, unavailable("scan batch", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate batches", err)
	}
	return out, nil
}

func (m *MySQLAdapter) GetBatch(ctx context.Context, batchID string) (*domain.InventoryBatch, error) {
	b, err := scanBatch(m.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM inventory_batches WHERE id = ?`, batchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("query batch", err)
	}
	return &b, nil
}

func (m *MySQLAdapter) ConditionalUpdateBatch(ctx context.Context, batchID string, expectedStock, newStock, newConsumed int) (bool, error) {
	if newStock < 0 {
		return false, ErrNegativeStock
	}

	result, err := m.db.ExecContext(ctx, `
		UPDATE inventory_batches
		SET consumed = ?, version = version + 1, updated_at = NOW(6)
		WHERE id = ?
		  AND opening_stock + received - consumed - adjustment = ?
		  AND opening_stock + received - ? - adjustment = ?`,
		newConsumed, batchID, expectedStock, newConsumed, newStock,
	)
	if err != nil {
		return false, unavailable("update batch", err)
	}

	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (m *MySQLAdapter) AddRecord(ctx context.Context, record domain.ConsumptionRecord) (string, error) {
	record = prepareRecord(record)
	if err := insertRecord(ctx, m.db, record); err != nil {
		return "", err
	}
	return record.ID, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, db execer, r domain.ConsumptionRecord) error {
	sources, err := json.Marshal(r.Sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO consumption_records (id, token, material_code, batch_key, line_kind, quantity, sources, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Token, r.MaterialCode, r.BatchKey, string(r.Kind), r.Quantity, string(sources), r.CreatedAt,
	)
	if isDuplicateKey(err) {
		return fmt.Errorf("%s/%s/%s: %w", r.Token, r.BatchKey, r.Kind, ErrDuplicateRecord)
	}
	if err != nil {
		return unavailable("insert record", err)
	}
	return nil
}

func recordWhere(filter domain.RecordFilter) (string, []any) {
	var conds []string
	var args []any
	if filter.Token != "" {
		conds = append(conds, "token = ?")
		args = append(args, filter.Token)
	}
	if filter.MaterialCode != "" {
		conds = append(conds, "material_code = ?")
		args = append(args, filter.MaterialCode)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (m *MySQLAdapter) ListRecords(ctx context.Context, filter domain.RecordFilter) ([]domain.ConsumptionRecord, error) {
	where, args := recordWhere(filter)
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, token, material_code, batch_key, line_kind, quantity, sources, created_at
		FROM consumption_records`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, unavailable("query records", err)
	}
	defer rows.Close()

	var out []domain.ConsumptionRecord
	for rows.Next() {
		var (
			r       domain.ConsumptionRecord
			kind    string
			sources []byte
		)
		if err := rows.Scan(&r.ID, &r.Token, &r.MaterialCode, &r.BatchKey, &kind, &r.Quantity, &sources, &r.CreatedAt); err != nil {
			return nil, unavailable("scan record", err)
		}
		r.Kind = domain.LineKind(kind)
		if err := json.Unmarshal(sources, &r.Sources); err != nil {
			return nil, fmt.Errorf("decode sources of record %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate records", err)
	}
	return out, nil
}

func (m *MySQLAdapter) DeleteRecordsMatching(ctx context.Context, filter domain.RecordFilter) (int, error) {
	where, args := recordWhere(filter)
	result, err := m.db.ExecContext(ctx, `DELETE FROM consumption_records`+where, args...)
	if err != nil {
		return 0, unavailable("delete records", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (m *MySQLAdapter) BatchedWrite(ctx context.Context, ops []port.Op) error {
	if len(ops) > port.MaxBatchOps {
		return fmt.Errorf("%d ops: %w", len(ops), ErrBatchTooLarge)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		switch op.Type {
		case port.OpAddRecord:
			if err := insertRecord(ctx, tx, prepareRecord(op.Record)); err != nil {
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

func prepareRecord(record domain.ConsumptionRecord) domain.ConsumptionRecord {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.Sources = slices.Clone(record.Sources)
	return record
}
