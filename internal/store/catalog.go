package store

import (
	"context"

	"tradein-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateCatalogEntry inserts a device catalog entry
func (q queries) CreateCatalogEntry(ctx context.Context, e *models.DeviceCatalogEntry) error {
	row := q.ext.QueryRowxContext(ctx, `
		INSERT INTO device_catalog (brand, model, device_type, release_year, storage_gb)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		e.Brand, e.Model, e.DeviceType, e.ReleaseYear, e.StorageGB)
	return translateError(row.Scan(&e.ID, &e.CreatedAt), "catalog_entry", e.Model)
}

// ListCatalogEntries retrieves the whole catalog ordered by ID
func (q queries) ListCatalogEntries(ctx context.Context) ([]models.DeviceCatalogEntry, error) {
	var out []models.DeviceCatalogEntry
	err := sqlx.SelectContext(ctx, q.ext, &out, "SELECT * FROM device_catalog ORDER BY id")
	return out, err
}

// CreateBasePrice inserts a base price snapshot
func (q queries) CreateBasePrice(ctx context.Context, p *models.BasePrice) error {
	row := q.ext.QueryRowxContext(ctx, `
		INSERT INTO base_prices (catalog_entry_id, price, as_of)
		VALUES ($1, $2, $3)
		RETURNING id`,
		p.CatalogEntryID, p.Price, p.AsOf)
	return translateError(row.Scan(&p.ID), "base_price", p.CatalogEntryID)
}

// GetLatestBasePrice returns the most recent snapshot for a catalog entry
func (q queries) GetLatestBasePrice(ctx context.Context, catalogEntryID int64) (*models.BasePrice, error) {
	var p models.BasePrice
	err := sqlx.GetContext(ctx, q.ext, &p, `
		SELECT * FROM base_prices
		WHERE catalog_entry_id = $1
		ORDER BY as_of DESC, id DESC
		LIMIT 1`, catalogEntryID)
	if err != nil {
		return nil, translateError(err, "base_price", catalogEntryID)
	}
	return &p, nil
}

// CreateAdjustmentRule inserts a catalog-level pricing rule
func (q queries) CreateAdjustmentRule(ctx context.Context, r *models.PriceAdjustmentRule) error {
	row := q.ext.QueryRowxContext(ctx, `
		INSERT INTO price_adjustment_rules (name, multiplier, flat_amount, brand, device_type, min_release_year, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		r.Name, r.Multiplier, r.FlatAmount, r.Brand, r.DeviceType, r.MinReleaseYear, r.Active)
	return translateError(row.Scan(&r.ID), "adjustment_rule", r.Name)
}

// ListActiveAdjustmentRules returns active rules in application order
func (q queries) ListActiveAdjustmentRules(ctx context.Context) ([]models.PriceAdjustmentRule, error) {
	var out []models.PriceAdjustmentRule
	err := sqlx.SelectContext(ctx, q.ext, &out,
		"SELECT * FROM price_adjustment_rules WHERE active ORDER BY id")
	return out, err
}
