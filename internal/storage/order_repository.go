package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/models"
	"github.com/storefront-crm/internal/money"
)

// OrderRepository persists orders
type OrderRepository struct {
	db *PostgresDB
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *PostgresDB) *OrderRepository {
	return &OrderRepository{db: db}
}

// The customer reference is resolved from the platform id at write time. When
// the order is applied, the owning customer's first/last order dates are
// widened in the same statement.
const upsertOrderSQL = `
	WITH upserted AS (
		INSERT INTO orders (
			shop_id, platform_id, name, email, customer_id, customer_platform_id,
			total_price, currency, line_items, financial_status, is_historical,
			platform_created_at, platform_updated_at, processed_at
		)
		VALUES (
			$1, $2, $3, $4,
			(SELECT id FROM customers WHERE shop_id = $1 AND platform_id = $5),
			$5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		ON CONFLICT (shop_id, platform_id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			customer_id = COALESCE(EXCLUDED.customer_id, orders.customer_id),
			customer_platform_id = COALESCE(EXCLUDED.customer_platform_id, orders.customer_platform_id),
			total_price = EXCLUDED.total_price,
			currency = EXCLUDED.currency,
			line_items = EXCLUDED.line_items,
			financial_status = EXCLUDED.financial_status,
			is_historical = orders.is_historical AND EXCLUDED.is_historical,
			platform_updated_at = EXCLUDED.platform_updated_at,
			processed_at = EXCLUDED.processed_at,
			updated_at = NOW()
		WHERE orders.platform_updated_at IS NULL
			OR orders.platform_updated_at <= EXCLUDED.platform_updated_at
		RETURNING id, customer_id, platform_created_at, (xmax = 0) AS inserted
	),
	touched AS (
		UPDATE customers AS c
		SET first_order_at = LEAST(c.first_order_at, u.platform_created_at),
			last_order_at = GREATEST(c.last_order_at, u.platform_created_at)
		FROM upserted AS u
		WHERE c.id = u.customer_id
	)
	SELECT id::text, customer_id::text, inserted FROM upserted
`

// Upsert inserts or updates an order by (shop, platform id) with the same
// last-write-wins rule as customers.
func (r *OrderRepository) Upsert(ctx context.Context, o *models.Order) (*models.UpsertResult, error) {
	return upsertOrder(ctx, r.db.Pool(), o)
}

func upsertOrder(ctx context.Context, q querier, o *models.Order) (*models.UpsertResult, error) {
	lineItems := o.LineItems
	if lineItems == nil {
		lineItems = []models.LineItem{}
	}

	result := &models.UpsertResult{Applied: true}
	err := q.QueryRow(ctx, upsertOrderSQL,
		o.ShopID,
		o.PlatformID,
		nullIfEmpty(o.Name),
		nullIfEmpty(o.Email),
		o.CustomerPlatformID,
		o.TotalPrice.Decimal(),
		o.TotalPrice.Currency(),
		lineItems,
		nullIfEmpty(o.FinancialStatus),
		o.IsHistorical,
		o.PlatformCreatedAt,
		o.PlatformUpdatedAt,
		o.ProcessedAt,
	).Scan(&result.ID, &o.CustomerID, &result.Inserted)

	if errors.Is(err, pgx.ErrNoRows) {
		result.Applied = false
		if err := q.QueryRow(ctx,
			`SELECT id::text FROM orders WHERE shop_id = $1 AND platform_id = $2`,
			o.ShopID, o.PlatformID,
		).Scan(&result.ID); err != nil {
			return nil, fmt.Errorf("failed to look up order after stale upsert: %w", err)
		}
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert order %s: %w", o.PlatformID, err)
	}

	o.ID = result.ID
	return result, nil
}

// GetByPlatformID returns an order by its platform id within a shop
func (r *OrderRepository) GetByPlatformID(ctx context.Context, shopID, platformID string) (*models.Order, error) {
	var (
		o        models.Order
		total    decimal.Decimal
		currency string
	)
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id::text, shop_id, platform_id, COALESCE(name, ''), COALESCE(email, ''),
			customer_id::text, customer_platform_id, total_price, currency, line_items,
			COALESCE(financial_status, ''), is_historical, platform_created_at,
			platform_updated_at, processed_at, created_at, updated_at
		FROM orders
		WHERE shop_id = $1 AND platform_id = $2
	`, shopID, platformID).Scan(
		&o.ID, &o.ShopID, &o.PlatformID, &o.Name, &o.Email,
		&o.CustomerID, &o.CustomerPlatformID, &total, &currency, &o.LineItems,
		&o.FinancialStatus, &o.IsHistorical, &o.PlatformCreatedAt,
		&o.PlatformUpdatedAt, &o.ProcessedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("order", platformID)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	o.TotalPrice = money.FromDecimal(total, currency)
	return &o, nil
}

// CountForCustomer returns how many orders reference a customer
func (r *OrderRepository) CountForCustomer(ctx context.Context, customerID string) (int, error) {
	var n int
	if err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE customer_id = $1::uuid`, customerID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return n, nil
}
