package pricing

import (
	"context"
	"fmt"
	"strings"

	"tradein-service/internal/apperrors"
	"tradein-service/internal/models"
	"tradein-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CatalogStore is the read side of the device catalog used for pricing.
type CatalogStore interface {
	ListCatalogEntries(ctx context.Context) ([]models.DeviceCatalogEntry, error)
	GetLatestBasePrice(ctx context.Context, catalogEntryID int64) (*models.BasePrice, error)
	ListActiveAdjustmentRules(ctx context.Context) ([]models.PriceAdjustmentRule, error)
}

// Adjustment is one line of a quote breakdown. Percent is relative to the
// base price and zero for flat adjustments.
type Adjustment struct {
	Name    string          `json:"name"`
	Percent int64           `json:"percent,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
}

// Quote is a priced offer for one assessment.
type Quote struct {
	CatalogEntryID int64           `json:"catalog_entry_id"`
	Brand          string          `json:"brand"`
	Model          string          `json:"model"`
	BasePrice      decimal.Decimal `json:"base_price"`
	Adjustments    []Adjustment    `json:"adjustments"`
	FinalPrice     decimal.Decimal `json:"final_price"`
	ConditionScore float64         `json:"condition_score"`
	Grade          string          `json:"grade"`
}

// Breakdown returns the adjustments keyed by name.
func (q *Quote) Breakdown() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(q.Adjustments))
	for _, a := range q.Adjustments {
		out[a.Name] = a.Amount
	}
	return out
}

// Engine prices assessments against the catalog. Every percentage
// adjustment is taken off the original base price, so the result does not
// depend on the order adjustments are applied in.
type Engine struct {
	store       CatalogStore
	storageStep decimal.Decimal
	logger      *zap.Logger
}

func NewEngine(store CatalogStore, storageStep decimal.Decimal) *Engine {
	return &Engine{
		store:       store,
		storageStep: storageStep,
		logger:      util.ComponentLogger("pricing"),
	}
}

// ResolveCatalogModel maps a free-form model name to a catalog entry, or nil.
func (e *Engine) ResolveCatalogModel(ctx context.Context, model string, storageGB int) (*models.DeviceCatalogEntry, error) {
	entries, err := e.store.ListCatalogEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}
	return resolve(entries, model, storageGB), nil
}

// Quote prices r. It returns nil without error when no catalog model
// resolves or the model has no base price.
func (e *Engine) Quote(ctx context.Context, r *models.AssessmentResult, expectedStorageGB int) (*Quote, error) {
	ctx, span := util.StartSpan(ctx, "PricingEngine.Quote",
		attribute.String("detected_model", r.DetectedModel))
	defer span.End()

	query := r.DetectedModel
	if r.DetectedBrand != "" && r.DetectedBrand != models.UnknownDevice &&
		!strings.HasPrefix(strings.ToLower(query), strings.ToLower(r.DetectedBrand)) {
		query = r.DetectedBrand + " " + query
	}

	_, parsedStorage := normalize(query)
	detectedStorage := r.DetectedStorageGB
	if detectedStorage == 0 {
		detectedStorage = parsedStorage
	}

	entry, err := e.ResolveCatalogModel(ctx, query, detectedStorage)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		e.logger.Info("No catalog match", zap.String("query", query))
		return nil, nil
	}

	price, err := e.store.GetLatestBasePrice(ctx, entry.ID)
	if apperrors.Is(err, apperrors.CodeNotFound) {
		e.logger.Info("No base price for catalog entry", zap.Int64("catalog_entry_id", entry.ID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load base price: %w", err)
	}

	rules, err := e.store.ListActiveAdjustmentRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load adjustment rules: %w", err)
	}

	if expectedStorageGB == 0 {
		expectedStorageGB = entry.StorageGB
	}

	base := price.Price
	q := &Quote{
		CatalogEntryID: entry.ID,
		Brand:          entry.Brand,
		Model:          entry.Model,
		BasePrice:      base,
		ConditionScore: r.OverallConditionScore,
		Grade:          GradeFor(r.OverallConditionScore),
	}

	q.Adjustments = append(q.Adjustments, percentOf(base, "condition", conditionPercent(r.OverallConditionScore)))
	for _, d := range defects {
		severity := d.severity(r)
		if severity <= d.threshold {
			continue
		}
		q.Adjustments = append(q.Adjustments, percentOf(base, d.name, d.percent(severity)))
	}

	if expectedStorageGB > 0 && detectedStorage > 0 && expectedStorageGB != detectedStorage {
		buckets := int64((detectedStorage - expectedStorageGB) / storageBucketGB)
		if buckets != 0 {
			q.Adjustments = append(q.Adjustments, Adjustment{
				Name:   "storage",
				Amount: e.storageStep.Mul(decimal.NewFromInt(buckets)),
			})
		}
	}

	for _, rule := range rules {
		if !ruleApplies(rule, entry) {
			continue
		}
		amount := rule.FlatAmount
		if rule.Multiplier.Valid {
			amount = amount.Add(base.Mul(rule.Multiplier.Decimal.Sub(decimal.NewFromInt(1))))
		}
		q.Adjustments = append(q.Adjustments, Adjustment{Name: "rule:" + rule.Name, Amount: amount.Round(2)})
	}

	final := base
	for _, a := range q.Adjustments {
		final = final.Add(a.Amount)
	}
	q.FinalPrice = final.Round(2)
	return q, nil
}

func percentOf(base decimal.Decimal, name string, percent int64) Adjustment {
	return Adjustment{
		Name:    name,
		Percent: percent,
		Amount:  base.Mul(decimal.New(percent, -2)).Round(2),
	}
}

func ruleApplies(rule models.PriceAdjustmentRule, entry *models.DeviceCatalogEntry) bool {
	if rule.Brand != "" && !strings.EqualFold(rule.Brand, entry.Brand) {
		return false
	}
	if rule.DeviceType != "" && !strings.EqualFold(rule.DeviceType, entry.DeviceType) {
		return false
	}
	if rule.MinReleaseYear > 0 && entry.ReleaseYear < rule.MinReleaseYear {
		return false
	}
	return true
}
