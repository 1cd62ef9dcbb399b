package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/models"
	"github.com/storefront-crm/internal/money"
	"github.com/storefront-crm/internal/types"
)

// RFMBatchSize bounds how many rows a single RFM update statement touches
const RFMBatchSize = 100

// CustomerRepository persists customers. Sync writes go through Upsert,
// which only touches platform-owned columns.
type CustomerRepository struct {
	db *PostgresDB
}

// NewCustomerRepository creates a new customer repository
func NewCustomerRepository(db *PostgresDB) *CustomerRepository {
	return &CustomerRepository{db: db}
}

const upsertCustomerSQL = `
	INSERT INTO customers (
		shop_id, platform_id, email, first_name, last_name, name, phone, tags,
		order_count, total_spent, avg_order_value, currency,
		first_order_at, last_order_at, platform_created_at, platform_updated_at,
		lifecycle_stage
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	ON CONFLICT (shop_id, platform_id) DO UPDATE SET
		email = EXCLUDED.email,
		first_name = EXCLUDED.first_name,
		last_name = EXCLUDED.last_name,
		name = EXCLUDED.name,
		phone = EXCLUDED.phone,
		tags = EXCLUDED.tags,
		order_count = EXCLUDED.order_count,
		total_spent = EXCLUDED.total_spent,
		avg_order_value = EXCLUDED.avg_order_value,
		currency = EXCLUDED.currency,
		first_order_at = COALESCE(EXCLUDED.first_order_at, customers.first_order_at),
		last_order_at = COALESCE(EXCLUDED.last_order_at, customers.last_order_at),
		platform_created_at = COALESCE(EXCLUDED.platform_created_at, customers.platform_created_at),
		platform_updated_at = EXCLUDED.platform_updated_at,
		updated_at = NOW()
	WHERE customers.platform_updated_at IS NULL
		OR customers.platform_updated_at <= EXCLUDED.platform_updated_at
	RETURNING id::text, (xmax = 0) AS inserted
`

// Upsert inserts or updates a customer by (shop, platform id). The update is
// skipped when the stored platform_updated_at is newer than the incoming one.
func (r *CustomerRepository) Upsert(ctx context.Context, c *models.Customer) (*models.UpsertResult, error) {
	return upsertCustomer(ctx, r.db.Pool(), c)
}

func upsertCustomer(ctx context.Context, q querier, c *models.Customer) (*models.UpsertResult, error) {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}

	result := &models.UpsertResult{Applied: true}
	err := q.QueryRow(ctx, upsertCustomerSQL,
		c.ShopID,
		c.PlatformID,
		nullIfEmpty(c.Email),
		nullIfEmpty(c.FirstName),
		nullIfEmpty(c.LastName),
		nullIfEmpty(c.Name),
		nullIfEmpty(c.Phone),
		tags,
		c.OrderCount,
		c.TotalSpent.Decimal(),
		c.AvgOrderValue.Decimal(),
		c.TotalSpent.Currency(),
		c.FirstOrderAt,
		c.LastOrderAt,
		c.PlatformCreatedAt,
		c.PlatformUpdatedAt,
		types.LifecycleForOrderCount(c.OrderCount),
	).Scan(&result.ID, &result.Inserted)

	if errors.Is(err, pgx.ErrNoRows) {
		// Stale write: the row exists with a newer timestamp.
		result.Applied = false
		if err := q.QueryRow(ctx,
			`SELECT id::text FROM customers WHERE shop_id = $1 AND platform_id = $2`,
			c.ShopID, c.PlatformID,
		).Scan(&result.ID); err != nil {
			return nil, fmt.Errorf("failed to look up customer after stale upsert: %w", err)
		}
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert customer %s: %w", c.PlatformID, err)
	}

	c.ID = result.ID
	return result, nil
}

const customerColumns = `
	id::text, shop_id, platform_id, COALESCE(email, ''), COALESCE(first_name, ''),
	COALESCE(last_name, ''), COALESCE(name, ''), COALESCE(phone, ''), tags,
	order_count, total_spent, avg_order_value, currency,
	first_order_at, last_order_at, platform_created_at, platform_updated_at,
	rfm_r, rfm_f, rfm_m, segment, lifecycle_stage, marketing_opted_out,
	rfm_calculated_at, deleted_at, created_at, updated_at
`

func scanCustomer(row pgx.Row) (*models.Customer, error) {
	var (
		c                 models.Customer
		totalSpent, aov   decimal.Decimal
		currency          string
		rfmR, rfmF, rfmM  *int32
		segment, lifecyle *string
	)
	err := row.Scan(
		&c.ID, &c.ShopID, &c.PlatformID, &c.Email, &c.FirstName,
		&c.LastName, &c.Name, &c.Phone, &c.Tags,
		&c.OrderCount, &totalSpent, &aov, &currency,
		&c.FirstOrderAt, &c.LastOrderAt, &c.PlatformCreatedAt, &c.PlatformUpdatedAt,
		&rfmR, &rfmF, &rfmM, &segment, &lifecyle, &c.MarketingOptedOut,
		&c.RFMCalculatedAt, &c.DeletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.TotalSpent = money.FromDecimal(totalSpent, currency)
	c.AvgOrderValue = money.FromDecimal(aov, currency)
	c.RFMRecency = intPtr(rfmR)
	c.RFMFrequency = intPtr(rfmF)
	c.RFMMonetary = intPtr(rfmM)
	if segment != nil {
		s := types.Segment(*segment)
		c.Segment = &s
	}
	if lifecyle != nil {
		c.LifecycleStage = types.LifecycleStage(*lifecyle)
	}
	return &c, nil
}

// GetByID returns a customer by internal id, including soft-deleted rows
func (r *CustomerRepository) GetByID(ctx context.Context, id string) (*models.Customer, error) {
	c, err := scanCustomer(r.db.Pool().QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE id = $1::uuid`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("customer", id)
		}
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return c, nil
}

// GetByPlatformID returns a customer by its platform id within a shop
func (r *CustomerRepository) GetByPlatformID(ctx context.Context, shopID, platformID string) (*models.Customer, error) {
	c, err := scanCustomer(r.db.Pool().QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE shop_id = $1 AND platform_id = $2`,
		shopID, platformID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("customer", platformID)
		}
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return c, nil
}

// SoftDeleteByPlatformID marks a customer deleted. Returns false if no active
// row matched.
func (r *CustomerRepository) SoftDeleteByPlatformID(ctx context.Context, shopID, platformID string) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE customers
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE shop_id = $1 AND platform_id = $2 AND deleted_at IS NULL
	`, shopID, platformID)
	if err != nil {
		return false, fmt.Errorf("failed to soft delete customer: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetMarketingOptOut records a customer's opt-out from marketing email
func (r *CustomerRepository) SetMarketingOptOut(ctx context.Context, shopID, customerID string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE customers
		SET marketing_opted_out = TRUE, updated_at = NOW()
		WHERE id = $1::uuid AND shop_id = $2
	`, customerID, shopID)
	if err != nil {
		return fmt.Errorf("failed to opt out customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("customer", customerID)
	}
	return nil
}

// RFMRank is one customer's quintile ranks as computed by the database
type RFMRank struct {
	CustomerID string
	R, F, M    int
	OrderCount int
	OldSegment *types.Segment
}

// StreamRFMRanks ranks every active customer of a shop with NTILE(5) windows
// and calls fn for each row without loading the population into memory.
// Ties are broken by id so repeated runs over unchanged data rank identically.
func (r *CustomerRepository) StreamRFMRanks(ctx context.Context, shopID string, fn func(RFMRank) error) error {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT
			id::text,
			NTILE(5) OVER (ORDER BY last_order_at ASC NULLS FIRST, id) AS r,
			NTILE(5) OVER (ORDER BY order_count ASC, id) AS f,
			NTILE(5) OVER (ORDER BY total_spent ASC, id) AS m,
			order_count,
			segment
		FROM customers
		WHERE shop_id = $1 AND deleted_at IS NULL
	`, shopID)
	if err != nil {
		return fmt.Errorf("failed to rank customers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rank    RFMRank
			segment *string
		)
		if err := rows.Scan(&rank.CustomerID, &rank.R, &rank.F, &rank.M, &rank.OrderCount, &segment); err != nil {
			return fmt.Errorf("failed to scan rank: %w", err)
		}
		if segment != nil {
			s := types.Segment(*segment)
			rank.OldSegment = &s
		}
		if err := fn(rank); err != nil {
			return err
		}
	}
	return rows.Err()
}

// RFMUpdate is the CRM-owned state written back by the RFM pass
type RFMUpdate struct {
	CustomerID string
	R, F, M    int
	Segment    types.Segment
	Lifecycle  types.LifecycleStage
}

// UpdateRFMBatch writes scores for up to RFMBatchSize customers in one
// parameterized statement.
func (r *CustomerRepository) UpdateRFMBatch(ctx context.Context, updates []RFMUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	if len(updates) > RFMBatchSize {
		return fmt.Errorf("rfm batch of %d exceeds limit %d", len(updates), RFMBatchSize)
	}

	ids := make([]string, len(updates))
	rs := make([]int32, len(updates))
	fs := make([]int32, len(updates))
	ms := make([]int32, len(updates))
	segments := make([]string, len(updates))
	stages := make([]string, len(updates))
	for i, u := range updates {
		ids[i] = u.CustomerID
		rs[i] = int32(u.R) // #nosec G115 - quintile 1..5
		fs[i] = int32(u.F) // #nosec G115
		ms[i] = int32(u.M) // #nosec G115
		segments[i] = string(u.Segment)
		stages[i] = string(u.Lifecycle)
	}

	_, err := r.db.Pool().Exec(ctx, `
		UPDATE customers AS c
		SET rfm_r = u.r,
			rfm_f = u.f,
			rfm_m = u.m,
			segment = u.segment,
			lifecycle_stage = u.stage,
			rfm_calculated_at = NOW()
		FROM unnest($1::text[], $2::int[], $3::int[], $4::int[], $5::text[], $6::text[])
			AS u(id, r, f, m, segment, stage)
		WHERE c.id = u.id::uuid
	`, ids, rs, fs, ms, segments, stages)
	if err != nil {
		return fmt.Errorf("failed to update rfm batch: %w", err)
	}
	return nil
}

// ListShops returns every shop with at least one active customer
func (r *CustomerRepository) ListShops(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT DISTINCT shop_id FROM customers WHERE deleted_at IS NULL ORDER BY shop_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list shops: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func nullIfEmpty(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func intPtr(v *int32) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}
