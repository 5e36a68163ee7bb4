package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"restopos/backend/internal/domain"
	"restopos/backend/internal/store"
	"restopos/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const orderColumns = `id, branch_id, terminal_id, status, subtotal, tax, discount, total_amount,
	tax_rate_percent, dining_mode, table_number, sync_status, version, created_at, updated_at, paid_at`

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.ID == "" {
		return nil, domain.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, orderArgs(order)...)
	if err != nil {
		return nil, mapWriteErr(err)
	}
	if err := replaceLines(ctx, tx, order); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapWriteErr(err)
	}

	created := normalizeOrder(order)
	return &created, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, s.db, id, false)
}

func (s *Store) UpdateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET branch_id = $2, terminal_id = $3, status = $4, subtotal = $5, tax = $6, discount = $7,
			total_amount = $8, tax_rate_percent = $9, dining_mode = $10, table_number = $11,
			sync_status = $12, version = $13, created_at = $14, updated_at = $15, paid_at = $16
		WHERE id = $1
	`, orderArgs(order)...)
	if err != nil {
		return nil, mapWriteErr(err)
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	if err := replaceLines(ctx, tx, order); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapWriteErr(err)
	}

	updated := normalizeOrder(order)
	return &updated, nil
}

func (s *Store) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE ($1 = '' OR branch_id = $1)
			AND ($2 = '' OR status = $2)
			AND ($3 = '' OR sync_status = $3)
		ORDER BY created_at ASC, id ASC
		LIMIT NULLIF($4::int, 0)
	`, filter.BranchID, string(filter.Status), string(filter.SyncStatus), filter.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, 32)
	ids := make([]string, 0, 32)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	lines, err := loadLines(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if l, ok := lines[orders[i].ID]; ok {
			orders[i].Lines = l
		}
	}
	return orders, nil
}

func (s *Store) UpsertOrders(ctx context.Context, orders []domain.Order) error {
	for _, order := range orders {
		if order.ID == "" {
			return domain.ErrInvalidInput
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, incoming := range orders {
		var existingVersion int64
		var existingStatus string
		var existingPaidAt sql.NullTime
		err := tx.QueryRowContext(ctx, `
			SELECT version, status, paid_at
			FROM orders
			WHERE id = $1
			FOR UPDATE
		`, incoming.ID).Scan(&existingVersion, &existingStatus, &existingPaidAt)
		exists := true
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			exists = false
		}
		if exists && existingVersion > incoming.Version {
			continue
		}

		next := incoming
		next.SyncStatus = domain.SyncSynced
		if exists && domain.OrderStatus(existingStatus) == domain.OrderPaid && next.Status != domain.OrderPaid {
			next.Status = domain.OrderPaid
			next.PaidAt = nil
			if existingPaidAt.Valid {
				at := existingPaidAt.Time.UTC()
				next.PaidAt = &at
			}
		} else if next.Status == domain.OrderPaid {
			var settled bool
			err := tx.QueryRowContext(ctx, `
				SELECT EXISTS (SELECT 1 FROM payment_transactions WHERE order_id = $1 AND status = 'completed')
			`, incoming.ID).Scan(&settled)
			if err != nil {
				return err
			}
			if !settled {
				next.Status = store.UnsettledStatus(domain.OrderStatus(existingStatus))
				next.PaidAt = nil
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			ON CONFLICT (id) DO UPDATE
			SET branch_id = EXCLUDED.branch_id, terminal_id = EXCLUDED.terminal_id, status = EXCLUDED.status,
				subtotal = EXCLUDED.subtotal, tax = EXCLUDED.tax, discount = EXCLUDED.discount,
				total_amount = EXCLUDED.total_amount, tax_rate_percent = EXCLUDED.tax_rate_percent,
				dining_mode = EXCLUDED.dining_mode, table_number = EXCLUDED.table_number,
				sync_status = EXCLUDED.sync_status, version = EXCLUDED.version,
				updated_at = EXCLUDED.updated_at, paid_at = EXCLUDED.paid_at
		`, orderArgs(next)...)
		if err != nil {
			return mapWriteErr(err)
		}
		if err := replaceLines(ctx, tx, next); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return mapWriteErr(err)
	}
	return nil
}

const paymentColumns = `id, order_id, branch_id, cash_amount, card_amount, total_amount, transaction_type,
	validation_status, status, card_reference, actor_id, created_at, completed_at`

func (s *Store) CreatePayment(ctx context.Context, payment domain.PaymentTransaction) (*domain.PaymentTransaction, error) {
	if payment.ID == "" || payment.OrderID == "" {
		return nil, domain.ErrInvalidInput
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_transactions (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, paymentArgs(payment)...)
	if err != nil {
		return nil, mapWriteErr(err)
	}
	created := payment
	return &created, nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (*domain.PaymentTransaction, error) {
	return getPayment(ctx, s.db, id, false)
}

func (s *Store) FindCompletedPayment(ctx context.Context, orderID string) (*domain.PaymentTransaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payment_transactions
		WHERE order_id = $1 AND status = 'completed'
	`, orderID)
	payment, err := scanPayment(row)
	if err != nil {
		return nil, notFound(err)
	}
	return &payment, nil
}

func (s *Store) CompletePayment(ctx context.Context, id string, paidAt time.Time) (*domain.PaymentTransaction, *domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	payment, err := getPayment(ctx, tx, id, true)
	if err != nil {
		return nil, nil, err
	}
	order, err := getOrder(ctx, tx, payment.OrderID, true)
	if err != nil {
		return nil, nil, err
	}
	if payment.Status == domain.PaymentCompleted {
		return payment, order, nil
	}
	if order.Status == domain.OrderPaid {
		return nil, nil, store.ErrConflict
	}

	at := paidAt.UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE payment_transactions
		SET status = 'completed', completed_at = $2
		WHERE id = $1
	`, payment.ID, at)
	if err != nil {
		return nil, nil, mapWriteErr(err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = 'paid', paid_at = $2, updated_at = $2, version = version + 1, sync_status = 'unsynced'
		WHERE id = $1
	`, order.ID, at)
	if err != nil {
		return nil, nil, mapWriteErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, mapWriteErr(err)
	}

	payment.Status = domain.PaymentCompleted
	payment.CompletedAt = &at
	order.Status = domain.OrderPaid
	order.PaidAt = &at
	order.UpdatedAt = at
	order.Version++
	order.SyncStatus = domain.SyncUnsynced
	return payment, order, nil
}

func (s *Store) SyncPayment(ctx context.Context, payment domain.PaymentTransaction) (bool, error) {
	if payment.ID == "" || payment.OrderID == "" {
		return false, domain.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var due decimal.Decimal
	if err := tx.QueryRowContext(ctx, `SELECT total_amount FROM orders WHERE id = $1 FOR UPDATE`, payment.OrderID).Scan(&due); err != nil {
		return false, notFound(err)
	}
	var settled bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payment_transactions WHERE order_id = $1 AND status = 'completed'
		)
	`, payment.OrderID).Scan(&settled); err != nil {
		return false, err
	}
	if settled {
		return false, nil
	}
	if err := domain.CheckSettlement(payment.TotalAmount, due); err != nil {
		return false, err
	}

	at := payment.CreatedAt.UTC()
	if payment.CompletedAt != nil {
		at = payment.CompletedAt.UTC()
	}
	payment.Status = domain.PaymentCompleted
	payment.CompletedAt = &at

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payment_transactions (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, completed_at = EXCLUDED.completed_at
	`, paymentArgs(payment)...)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = 'paid', paid_at = $2, updated_at = $2
		WHERE id = $1
	`, payment.OrderID, at)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, mapWriteErr(err)
	}
	return true, nil
}

const refundColumns = `id, transaction_id, order_id, amount, method, reason, status, requested_by,
	approved_by, created_at, completed_at`

func (s *Store) CreateRefund(ctx context.Context, refund domain.RefundRequest) (*domain.RefundRequest, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refund_requests (`+refundColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, refund.ID, refund.TransactionID, refund.OrderID, refund.Amount, refund.Method, refund.Reason,
		string(refund.Status), refund.RequestedBy, refund.ApprovedBy, refund.CreatedAt, nullTime(refund.CompletedAt))
	if err != nil {
		return nil, mapWriteErr(err)
	}
	created := refund
	return &created, nil
}

func (s *Store) GetRefund(ctx context.Context, id string) (*domain.RefundRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refund_requests WHERE id = $1`, id)
	refund, err := scanRefund(row)
	if err != nil {
		return nil, notFound(err)
	}
	return &refund, nil
}

func (s *Store) ListRefunds(ctx context.Context, transactionID string) ([]domain.RefundRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+refundColumns+`
		FROM refund_requests
		WHERE transaction_id = $1
		ORDER BY created_at ASC, id ASC
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refunds := make([]domain.RefundRequest, 0, 4)
	for rows.Next() {
		refund, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, refund)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return refunds, nil
}

func (s *Store) CompleteRefund(ctx context.Context, id string, approvedBy string, at time.Time) (*domain.RefundRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE refund_requests
		SET status = 'completed', approved_by = $2, completed_at = $3
		WHERE id = $1 AND status <> 'completed'
		RETURNING `+refundColumns, id, approvedBy, at.UTC())
	refund, err := scanRefund(row)
	if err == nil {
		return &refund, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if _, err := s.GetRefund(ctx, id); err != nil {
		return nil, err
	}
	return nil, store.ErrConflict
}

func (s *Store) CreateCashReconciliation(ctx context.Context, rec domain.CashReconciliation) (*domain.CashReconciliation, error) {
	if rec.ID == "" {
		rec.ID = xid.New("cashrec")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_reconciliations (id, branch_id, expected_cash, actual_cash, variance, balanced, reported_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.ID, rec.BranchID, rec.ExpectedCash, rec.ActualCash, rec.Variance, rec.Balanced, rec.ReportedBy, rec.CreatedAt)
	if err != nil {
		return nil, mapWriteErr(err)
	}
	created := rec
	return &created, nil
}

func (s *Store) ListCashReconciliations(ctx context.Context, branchID string, limit int) ([]domain.CashReconciliation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, expected_cash, actual_cash, variance, balanced, reported_by, created_at
		FROM cash_reconciliations
		WHERE ($1 = '' OR branch_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($2::int, 0)
	`, branchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := make([]domain.CashReconciliation, 0, 16)
	for rows.Next() {
		var rec domain.CashReconciliation
		if err := rows.Scan(&rec.ID, &rec.BranchID, &rec.ExpectedCash, &rec.ActualCash, &rec.Variance, &rec.Balanced, &rec.ReportedBy, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

const itemColumns = `id, branch_id, name, unit, stock, low_stock_threshold, updated_at`

func (s *Store) CreateInventoryItem(ctx context.Context, item domain.InventoryItem, opening *domain.InventoryLogEntry) (*domain.InventoryItem, error) {
	if item.ID == "" {
		return nil, domain.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	item.Stock = 0
	if opening != nil {
		item.Stock = opening.Change
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO inventory_items (`+itemColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, item.ID, item.BranchID, item.Name, item.Unit, item.Stock, item.LowStockThreshold, item.UpdatedAt)
	if err != nil {
		return nil, mapWriteErr(err)
	}
	if opening != nil {
		entry := *opening
		entry.ItemID = item.ID
		entry.ItemName = item.Name
		entry.BranchID = item.BranchID
		if err := insertLog(ctx, tx, entry); err != nil {
			return nil, mapWriteErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, mapWriteErr(err)
	}

	created := item.WithLowStock()
	return &created, nil
}

func (s *Store) GetInventoryItem(ctx context.Context, id string) (*domain.InventoryItem, error) {
	return getItem(ctx, s.db, id, false)
}

func (s *Store) ListInventoryItems(ctx context.Context, branchID string) ([]domain.InventoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM inventory_items
		WHERE ($1 = '' OR branch_id = $1)
		ORDER BY name ASC, id ASC
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.InventoryItem, 0, 64)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) AdjustStockTo(ctx context.Context, itemID string, newStock int, entry domain.InventoryLogEntry) (*domain.InventoryItem, *domain.InventoryLogEntry, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	item, err := getItem(ctx, tx, itemID, true)
	if err != nil {
		return nil, nil, err
	}
	delta := newStock - item.Stock
	if delta == 0 {
		return item, nil, nil
	}

	entry.ItemID = item.ID
	entry.ItemName = item.Name
	entry.BranchID = item.BranchID
	entry.Change = delta
	if entry.ID == "" {
		entry.ID = xid.New("invlog")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := insertLog(ctx, tx, entry); err != nil {
		return nil, nil, mapWriteErr(err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE inventory_items
		SET stock = $2, updated_at = $3
		WHERE id = $1
	`, item.ID, newStock, entry.CreatedAt)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, mapWriteErr(err)
	}

	item.Stock = newStock
	item.UpdatedAt = entry.CreatedAt
	updated := item.WithLowStock()
	return &updated, &entry, nil
}

func (s *Store) AppendInventoryLog(ctx context.Context, entry domain.InventoryLogEntry) (*domain.InventoryItem, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	item, err := getItem(ctx, tx, entry.ItemID, true)
	if err != nil {
		return nil, false, err
	}
	if entry.ItemName == "" {
		entry.ItemName = item.Name
	}
	if entry.BranchID == "" {
		entry.BranchID = item.BranchID
	}
	if entry.ID == "" {
		entry.ID = xid.New("invlog")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_logs (id, item_id, item_name, branch_id, change, reason, reported_by, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, entry.ID, entry.ItemID, entry.ItemName, entry.BranchID, entry.Change, string(entry.Reason), entry.ReportedBy, nullIfEmpty(entry.IdempotencyKey), entry.CreatedAt)
	if err != nil {
		return nil, false, mapWriteErr(err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if inserted == 0 {
		return item, false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE inventory_items
		SET stock = stock + $2, updated_at = $3
		WHERE id = $1
	`, item.ID, entry.Change, entry.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, mapWriteErr(err)
	}

	item.Stock += entry.Change
	item.UpdatedAt = entry.CreatedAt
	updated := item.WithLowStock()
	return &updated, true, nil
}

func (s *Store) ListInventoryLogs(ctx context.Context, filter domain.InventoryLogFilter) ([]domain.InventoryLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, item_name, branch_id, change, reason, reported_by, COALESCE(idempotency_key, ''), created_at
		FROM inventory_logs
		WHERE ($1 = '' OR item_id = $1)
			AND ($2 = '' OR branch_id = $2)
			AND ($3 = '' OR reason = $3)
		ORDER BY created_at DESC, seq DESC
		LIMIT NULLIF($4::int, 0)
	`, filter.ItemID, filter.BranchID, string(filter.Reason), filter.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.InventoryLogEntry, 0, 32)
	for rows.Next() {
		var entry domain.InventoryLogEntry
		var reason string
		if err := rows.Scan(&entry.ID, &entry.ItemID, &entry.ItemName, &entry.BranchID, &entry.Change, &reason, &entry.ReportedBy, &entry.IdempotencyKey, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Reason = domain.InventoryReason(reason)
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) RebuildStockFromLedger(ctx context.Context) ([]domain.StockDrift, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT i.id, i.stock, COALESCE(SUM(l.change), 0)
		FROM inventory_items i
		LEFT JOIN inventory_logs l ON l.item_id = i.id
		GROUP BY i.id, i.stock
		HAVING i.stock <> COALESCE(SUM(l.change), 0)
		ORDER BY i.id ASC
	`)
	if err != nil {
		return nil, err
	}
	drifts := make([]domain.StockDrift, 0)
	for rows.Next() {
		var drift domain.StockDrift
		if err := rows.Scan(&drift.ItemID, &drift.CachedStock, &drift.LedgerStock); err != nil {
			_ = rows.Close()
			return nil, err
		}
		drifts = append(drifts, drift)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, drift := range drifts {
		if _, err := tx.ExecContext(ctx, `UPDATE inventory_items SET stock = $2 WHERE id = $1`, drift.ItemID, drift.LedgerStock); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, mapWriteErr(err)
	}
	return drifts, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, branch_id, actor_id, actor_role, action_type, resource_type, resource_id, old_values, new_values, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.BranchID, entry.ActorID, entry.ActorRole, entry.ActionType, entry.ResourceType, entry.ResourceID,
		nullJSON(entry.OldValues), nullJSON(entry.NewValues), entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, filter domain.AuditLogFilter) ([]domain.AuditLog, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, actor_id, actor_role, action_type, resource_type, resource_id, old_values, new_values, created_at
		FROM audit_logs
		WHERE ($1 = '' OR branch_id = $1)
			AND ($2 = '' OR resource_type = $2)
			AND ($3 = '' OR resource_id = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, filter.BranchID, filter.ResourceType, filter.ResourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		var oldValues, newValues []byte
		if err := rows.Scan(&entry.ID, &entry.BranchID, &entry.ActorID, &entry.ActorRole, &entry.ActionType, &entry.ResourceType, &entry.ResourceID, &oldValues, &newValues, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if len(oldValues) > 0 {
			entry.OldValues = json.RawMessage(oldValues)
		}
		if len(newValues) > 0 {
			entry.NewValues = json.RawMessage(newValues)
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" || user.Role == "" {
		return domain.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		return mapWriteErr(err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	if username == "" || password == "" {
		return domain.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func getOrder(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	order, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	lines, err := loadLines(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	if l, ok := lines[id]; ok {
		order.Lines = l
	}
	return &order, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var order domain.Order
	var status, diningMode, syncStatus string
	var paidAt sql.NullTime
	err := row.Scan(&order.ID, &order.BranchID, &order.TerminalID, &status, &order.Subtotal, &order.Tax, &order.Discount,
		&order.TotalAmount, &order.TaxRatePercent, &diningMode, &order.TableNumber, &syncStatus, &order.Version,
		&order.CreatedAt, &order.UpdatedAt, &paidAt)
	if err != nil {
		return order, err
	}
	order.Status = domain.OrderStatus(status)
	order.DiningMode = domain.DiningMode(diningMode)
	order.SyncStatus = domain.SyncStatus(syncStatus)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	if paidAt.Valid {
		at := paidAt.Time.UTC()
		order.PaidAt = &at
	}
	order.Lines = []domain.OrderLine{}
	return order, nil
}

func orderArgs(o domain.Order) []any {
	return []any{
		o.ID, o.BranchID, o.TerminalID, string(o.Status), o.Subtotal, o.Tax, o.Discount, o.TotalAmount,
		o.TaxRatePercent, string(o.DiningMode), o.TableNumber, string(o.SyncStatus), o.Version,
		o.CreatedAt, o.UpdatedAt, nullTime(o.PaidAt),
	}
}

func normalizeOrder(o domain.Order) domain.Order {
	if o.Lines == nil {
		o.Lines = []domain.OrderLine{}
	}
	return o
}

// replaceLines rewrites the order's lines in position order.
func replaceLines(ctx context.Context, q querier, order domain.Order) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM order_lines WHERE order_id = $1`, order.ID); err != nil {
		return err
	}
	for i, line := range order.Lines {
		var modifiers []byte
		if len(line.Modifiers) > 0 {
			raw, err := json.Marshal(line.Modifiers)
			if err != nil {
				return err
			}
			modifiers = raw
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO order_lines (
				order_id, line_no, menu_item_id, name, quantity, unit_price, modifiers, notes,
				completed, kitchen_relevant, kitchen_status, inventory_item_id
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, order.ID, i, line.MenuItemID, line.Name, line.Quantity, line.UnitPrice, nullBytes(modifiers), line.Notes,
			line.Completed, line.KitchenRelevant, string(line.KitchenStatus), line.InventoryItemID)
		if err != nil {
			return err
		}
	}
	return nil
}

func loadLines(ctx context.Context, q querier, orderIDs []string) (map[string][]domain.OrderLine, error) {
	result := make(map[string][]domain.OrderLine, len(orderIDs))
	if len(orderIDs) == 0 {
		return result, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT order_id, menu_item_id, name, quantity, unit_price, modifiers, notes,
			completed, kitchen_relevant, kitchen_status, inventory_item_id
		FROM order_lines
		WHERE order_id = ANY($1)
		ORDER BY order_id, line_no
	`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var orderID, kitchenStatus string
		var modifiers []byte
		var line domain.OrderLine
		if err := rows.Scan(&orderID, &line.MenuItemID, &line.Name, &line.Quantity, &line.UnitPrice, &modifiers, &line.Notes,
			&line.Completed, &line.KitchenRelevant, &kitchenStatus, &line.InventoryItemID); err != nil {
			return nil, err
		}
		line.KitchenStatus = domain.KitchenStatus(kitchenStatus)
		if len(modifiers) > 0 {
			if err := json.Unmarshal(modifiers, &line.Modifiers); err != nil {
				return nil, fmt.Errorf("decode modifiers for order %s: %w", orderID, err)
			}
		}
		result[orderID] = append(result[orderID], line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func getPayment(ctx context.Context, q querier, id string, forUpdate bool) (*domain.PaymentTransaction, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_transactions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	payment, err := scanPayment(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &payment, nil
}

func scanPayment(row rowScanner) (domain.PaymentTransaction, error) {
	var p domain.PaymentTransaction
	var txType, validation, status string
	var completedAt sql.NullTime
	err := row.Scan(&p.ID, &p.OrderID, &p.BranchID, &p.CashAmount, &p.CardAmount, &p.TotalAmount, &txType,
		&validation, &status, &p.CardReference, &p.ActorID, &p.CreatedAt, &completedAt)
	if err != nil {
		return p, err
	}
	p.TransactionType = domain.TransactionType(txType)
	p.ValidationStatus = domain.ValidationStatus(validation)
	p.Status = domain.PaymentStatus(status)
	p.CreatedAt = p.CreatedAt.UTC()
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		p.CompletedAt = &at
	}
	return p, nil
}

func paymentArgs(p domain.PaymentTransaction) []any {
	return []any{
		p.ID, p.OrderID, p.BranchID, p.CashAmount, p.CardAmount, p.TotalAmount, string(p.TransactionType),
		string(p.ValidationStatus), string(p.Status), p.CardReference, p.ActorID, p.CreatedAt, nullTime(p.CompletedAt),
	}
}

func scanRefund(row rowScanner) (domain.RefundRequest, error) {
	var r domain.RefundRequest
	var status string
	var completedAt sql.NullTime
	err := row.Scan(&r.ID, &r.TransactionID, &r.OrderID, &r.Amount, &r.Method, &r.Reason, &status, &r.RequestedBy,
		&r.ApprovedBy, &r.CreatedAt, &completedAt)
	if err != nil {
		return r, err
	}
	r.Status = domain.RefundStatus(status)
	r.CreatedAt = r.CreatedAt.UTC()
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		r.CompletedAt = &at
	}
	return r, nil
}

func getItem(ctx context.Context, q querier, id string, forUpdate bool) (*domain.InventoryItem, error) {
	query := `SELECT ` + itemColumns + ` FROM inventory_items WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	item, err := scanItem(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

func scanItem(row rowScanner) (domain.InventoryItem, error) {
	var item domain.InventoryItem
	if err := row.Scan(&item.ID, &item.BranchID, &item.Name, &item.Unit, &item.Stock, &item.LowStockThreshold, &item.UpdatedAt); err != nil {
		return item, err
	}
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item.WithLowStock(), nil
}

func insertLog(ctx context.Context, q querier, entry domain.InventoryLogEntry) error {
	if entry.ID == "" {
		entry.ID = xid.New("invlog")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO inventory_logs (id, item_id, item_name, branch_id, change, reason, reported_by, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.ItemID, entry.ItemName, entry.BranchID, entry.Change, string(entry.Reason), entry.ReportedBy, nullIfEmpty(entry.IdempotencyKey), entry.CreatedAt)
	return err
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// mapWriteErr turns constraint and serialization failures into store errors.
func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505", "40001":
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
	case "23503":
		return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.Message)
	default:
		return err
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullBytes(val []byte) any {
	if len(val) == 0 {
		return nil
	}
	return string(val)
}

func nullJSON(val json.RawMessage) any {
	if len(val) == 0 {
		return nil
	}
	return string(val)
}
