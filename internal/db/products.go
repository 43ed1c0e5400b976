package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/buildtall-systems/dropship/internal/domain"
	"github.com/buildtall-systems/dropship/internal/settlement"
)

// ErrProductNotFound indicates product does not exist.
var ErrProductNotFound = errors.New("product not found")

// ErrConcurrentUpdate indicates the row changed between read and write.
var ErrConcurrentUpdate = errors.New("record changed concurrently")

type productRow struct {
	ID                string    `db:"id"`
	Title             string    `db:"title"`
	SupplierURL       string    `db:"supplier_url"`
	SupplierRef       string    `db:"supplier_ref"`
	SupplierCurrency  string    `db:"supplier_currency"`
	SupplierCostMinor int64     `db:"supplier_cost_minor"`
	ShippingMinor     int64     `db:"shipping_minor"`
	Currency          string    `db:"currency"`
	TotalCostMinor    int64     `db:"total_cost_minor"`
	PriceMinor        int64     `db:"price_minor"`
	Status            string    `db:"status"`
	CurrentStage      string    `db:"current_stage"`
	ListingID         string    `db:"listing_id"`
	Version           int64     `db:"version"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r productRow) toDomain() domain.Product {
	return domain.Product{
		ID:           r.ID,
		Title:        r.Title,
		SupplierURL:  r.SupplierURL,
		SupplierRef:  r.SupplierRef,
		SupplierCost: settlement.New(r.SupplierCostMinor, r.SupplierCurrency),
		Shipping:     settlement.New(r.ShippingMinor, r.SupplierCurrency),
		TotalCost:    settlement.New(r.TotalCostMinor, r.Currency),
		Price:        settlement.New(r.PriceMinor, r.Currency),
		Status:       domain.ProductStatus(r.Status),
		CurrentStage: domain.Stage(r.CurrentStage),
		ListingID:    r.ListingID,
		Version:      r.Version,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type stageRow struct {
	ProductID string `db:"product_id"`
	Position  int    `db:"position"`
	domain.StageInfo
}

const productColumns = `id, title, supplier_url, supplier_ref, supplier_currency, supplier_cost_minor,
	shipping_minor, currency, total_cost_minor, price_minor, status, current_stage, listing_id,
	version, created_at, updated_at`

// InsertProduct stores a new product with one row per lifecycle stage and
// its creation event.
func (db *DB) InsertProduct(ctx context.Context, p *domain.Product, ev domain.TimelineEvent) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO products (`+productColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), p.ID, p.Title, p.SupplierURL, p.SupplierRef, p.SupplierCost.Currency, p.SupplierCost.AmountMinor,
		p.Shipping.AmountMinor, p.Price.Currency, p.TotalCost.AmountMinor, p.Price.AmountMinor,
		string(p.Status), string(p.CurrentStage), p.ListingID, p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting product: %w", err)
	}

	for i, stage := range domain.Stages {
		info := p.Stages[stage]
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO product_stages (product_id, stage, position, status, mode, completed_at, external_ref, reason, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), p.ID, string(stage), i, string(info.Status), string(info.Mode), info.CompletedAt,
			info.ExternalRef, info.Reason, p.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting stage %s: %w", stage, err)
		}
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetProduct returns a product with all of its stages.
func (db *DB) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var row productRow
	err := db.GetContext(ctx, &row, db.Rebind(`SELECT `+productColumns+` FROM products WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying product: %w", err)
	}

	var stages []stageRow
	err = db.SelectContext(ctx, &stages, db.Rebind(`
		SELECT product_id, position, stage, status, mode, completed_at, external_ref, reason, updated_at
		FROM product_stages WHERE product_id = ? ORDER BY position
	`), id)
	if err != nil {
		return nil, fmt.Errorf("querying stages: %w", err)
	}

	p := row.toDomain()
	p.Stages = make(map[domain.Stage]domain.StageInfo, len(stages))
	for _, s := range stages {
		p.Stages[s.Stage] = s.StageInfo
	}
	return &p, nil
}

// ListProducts returns products, newest first, optionally filtered by status.
func (db *DB) ListProducts(ctx context.Context, status domain.ProductStatus, limit int) ([]domain.Product, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + productColumns + ` FROM products`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var rows []productRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying products: %w", err)
	}

	products := make([]domain.Product, 0, len(rows))
	for _, r := range rows {
		products = append(products, r.toDomain())
	}
	return products, nil
}

// StageChange moves one stage from one status to another. The write only
// lands if the product is still at ExpectedVersion and the stage still has
// status From; otherwise ErrConcurrentUpdate is returned and nothing changes.
type StageChange struct {
	ProductID       string
	ExpectedVersion int64
	Stage           domain.Stage
	From            domain.StageStatus
	To              domain.StageStatus
	ExternalRef     string
	Reason          string
	CompletedAt     *time.Time
	CurrentStage    domain.Stage
	Event           domain.TimelineEvent
}

// ApplyStageChange writes a stage transition, the product's current stage
// and the timeline event in one transaction.
func (db *DB) ApplyStageChange(ctx context.Context, c StageChange) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := c.Event.Timestamp
	if err := bumpVersion(ctx, tx, c.ProductID, c.ExpectedVersion, now,
		`current_stage = ?`, string(c.CurrentStage)); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE product_stages
		SET status = ?, completed_at = ?, external_ref = ?, reason = ?, updated_at = ?
		WHERE product_id = ? AND stage = ? AND status = ?
	`), string(c.To), c.CompletedAt, c.ExternalRef, c.Reason, now, c.ProductID, string(c.Stage), string(c.From))
	if err != nil {
		return fmt.Errorf("updating stage: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: stage %s no longer %s", ErrConcurrentUpdate, c.Stage, c.From)
	}

	if err := insertEvent(ctx, tx, c.Event); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ProductUpdate changes product-level fields. Zero values leave a field as is.
type ProductUpdate struct {
	ID              string
	ExpectedVersion int64
	Status          domain.ProductStatus
	TotalCost       *settlement.Money
	Price           *settlement.Money
	ListingID       string
	Event           domain.TimelineEvent
}

// UpdateProduct applies u and records its event in one transaction.
func (db *DB) UpdateProduct(ctx context.Context, u ProductUpdate) error {
	var (
		sets string
		args []any
	)
	add := func(clause string, v any) {
		if sets != "" {
			sets += ", "
		}
		sets += clause
		args = append(args, v)
	}
	if u.Status != "" {
		add("status = ?", string(u.Status))
	}
	if u.TotalCost != nil {
		add("total_cost_minor = ?", u.TotalCost.AmountMinor)
	}
	if u.Price != nil {
		add("price_minor = ?", u.Price.AmountMinor)
		add("currency = ?", u.Price.Currency)
	}
	if u.ListingID != "" {
		add("listing_id = ?", u.ListingID)
	}
	if sets == "" {
		return fmt.Errorf("updating product %s: nothing to change", u.ID)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := bumpVersion(ctx, tx, u.ID, u.ExpectedVersion, u.Event.Timestamp, sets, args...); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, u.Event); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListTimeline returns a product's events in the order they happened.
func (db *DB) ListTimeline(ctx context.Context, productID string) ([]domain.TimelineEvent, error) {
	var events []domain.TimelineEvent
	err := db.SelectContext(ctx, &events, db.Rebind(`
		SELECT id, product_id, stage, action, actor, detail, created_at
		FROM timeline_events WHERE product_id = ? ORDER BY id
	`), productID)
	if err != nil {
		return nil, fmt.Errorf("querying timeline: %w", err)
	}
	return events, nil
}

func bumpVersion(ctx context.Context, tx *sqlx.Tx, id string, version int64, now time.Time, sets string, args ...any) error {
	query := `UPDATE products SET ` + sets + `, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`
	args = append(args, now, id, version)

	result, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("updating product: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var exists int
	err = tx.GetContext(ctx, &exists, tx.Rebind(`SELECT COUNT(*) FROM products WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("checking product: %w", err)
	}
	if exists == 0 {
		return ErrProductNotFound
	}
	return fmt.Errorf("%w: product %s is past version %d", ErrConcurrentUpdate, id, version)
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, ev domain.TimelineEvent) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO timeline_events (id, product_id, stage, action, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), ev.ID, ev.ProductID, string(ev.Stage), ev.Action, ev.Actor, ev.Detail, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting timeline event: %w", err)
	}
	return nil
}
