package platform

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goshopify "github.com/bold-commerce/go-shopify/v4"
	"github.com/shopspring/decimal"

	"github.com/storefront-crm/internal/models"
	"github.com/storefront-crm/internal/money"
)

// Kind is the resource type encoded in a platform gid
type Kind string

const (
	KindCustomer Kind = "Customer"
	KindOrder    Kind = "Order"
	KindUnknown  Kind = ""
)

const gidPrefix = "gid://shopify/"

// ErrUnknownKind is returned for bulk lines that are neither customers nor orders
var ErrUnknownKind = errors.New("unknown record kind")

// RecordKind classifies a gid such as gid://shopify/Customer/123
func RecordKind(gid string) Kind {
	rest, ok := strings.CutPrefix(gid, gidPrefix)
	if !ok {
		return KindUnknown
	}
	kind, _, ok := strings.Cut(rest, "/")
	if !ok {
		return KindUnknown
	}
	switch Kind(kind) {
	case KindCustomer, KindOrder:
		return Kind(kind)
	}
	return KindUnknown
}

// GID builds the gid of a REST resource id
func GID(kind Kind, id uint64) string {
	return fmt.Sprintf("%s%s/%d", gidPrefix, kind, id)
}

type moneyV2 struct {
	Amount       string `json:"amount"`
	CurrencyCode string `json:"currencyCode"`
}

func (m moneyV2) toMoney() (money.Money, error) {
	return money.Parse(m.Amount, m.CurrencyCode)
}

type moneyBag struct {
	ShopMoney moneyV2 `json:"shopMoney"`
}

type idRef struct {
	ID string `json:"id"`
}

// CustomerNode is the GraphQL customer shape shared by bulk lines and pages
type CustomerNode struct {
	ID             string      `json:"id"`
	Email          *string     `json:"email"`
	FirstName      *string     `json:"firstName"`
	LastName       *string     `json:"lastName"`
	Phone          *string     `json:"phone"`
	Tags           []string    `json:"tags"`
	NumberOfOrders json.Number `json:"numberOfOrders"`
	AmountSpent    *moneyV2    `json:"amountSpent"`
	CreatedAt      *time.Time  `json:"createdAt"`
	UpdatedAt      *time.Time  `json:"updatedAt"`
}

// OrderNode is the GraphQL order shape. In bulk output ParentID carries the
// owning customer's gid instead of Customer.
type OrderNode struct {
	ID                     string     `json:"id"`
	Name                   string     `json:"name"`
	Email                  *string    `json:"email"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              *time.Time `json:"updatedAt"`
	ProcessedAt            *time.Time `json:"processedAt"`
	DisplayFinancialStatus *string    `json:"displayFinancialStatus"`
	TotalPriceSet          moneyBag   `json:"totalPriceSet"`
	Customer               *idRef     `json:"customer"`
	ParentID               string     `json:"__parentId"`
	LineItems              *struct {
		Nodes []lineItemNode `json:"nodes"`
	} `json:"lineItems"`
}

type lineItemNode struct {
	ID                   string   `json:"id"`
	Title                string   `json:"title"`
	SKU                  *string  `json:"sku"`
	Quantity             int      `json:"quantity"`
	OriginalUnitPriceSet moneyBag `json:"originalUnitPriceSet"`
	Product              *idRef   `json:"product"`
	Variant              *idRef   `json:"variant"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// DisplayName is "first last" trimmed, falling back to the email
func DisplayName(first, last, email string) string {
	name := strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
	if name == "" {
		return email
	}
	return name
}

func newCustomer(shop, gid, email, first, last, phone string, tags []string, orders int, spent money.Money, created, updated *time.Time) *models.Customer {
	email = strings.TrimSpace(email)
	return &models.Customer{
		ShopID:            shop,
		PlatformID:        gid,
		Email:             email,
		FirstName:         first,
		LastName:          last,
		Name:              DisplayName(first, last, email),
		Phone:             phone,
		Tags:              tags,
		OrderCount:        orders,
		TotalSpent:        spent,
		AvgOrderValue:     spent.DivideInt(int64(orders)),
		PlatformCreatedAt: created,
		PlatformUpdatedAt: updated,
	}
}

// MapCustomerNode converts a GraphQL customer
func MapCustomerNode(shop string, n *CustomerNode) (*models.Customer, error) {
	if RecordKind(n.ID) != KindCustomer {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, n.ID)
	}
	orders := 0
	if n.NumberOfOrders != "" {
		v, err := n.NumberOfOrders.Int64()
		if err != nil {
			return nil, fmt.Errorf("invalid numberOfOrders %q: %w", n.NumberOfOrders, err)
		}
		orders = int(v)
	}
	spent := money.Zero("")
	if n.AmountSpent != nil {
		var err error
		if spent, err = n.AmountSpent.toMoney(); err != nil {
			return nil, err
		}
	}
	return newCustomer(shop, n.ID, deref(n.Email), deref(n.FirstName), deref(n.LastName), deref(n.Phone),
		n.Tags, orders, spent, n.CreatedAt, n.UpdatedAt), nil
}

// MapOrderNode converts a GraphQL order
func MapOrderNode(shop string, n *OrderNode) (*models.Order, error) {
	if RecordKind(n.ID) != KindOrder {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, n.ID)
	}
	total, err := n.TotalPriceSet.ShopMoney.toMoney()
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		ShopID:            shop,
		PlatformID:        n.ID,
		Name:              n.Name,
		Email:             deref(n.Email),
		TotalPrice:        total,
		FinancialStatus:   strings.ToLower(deref(n.DisplayFinancialStatus)),
		PlatformCreatedAt: n.CreatedAt,
		PlatformUpdatedAt: n.UpdatedAt,
		ProcessedAt:       n.ProcessedAt,
		LineItems:         []models.LineItem{},
	}

	switch {
	case n.Customer != nil && n.Customer.ID != "":
		id := n.Customer.ID
		order.CustomerPlatformID = &id
	case RecordKind(n.ParentID) == KindCustomer:
		id := n.ParentID
		order.CustomerPlatformID = &id
	}

	if n.LineItems != nil {
		for _, li := range n.LineItems.Nodes {
			price, err := li.OriginalUnitPriceSet.ShopMoney.toMoney()
			if err != nil {
				return nil, fmt.Errorf("line item %s: %w", li.ID, err)
			}
			item := models.LineItem{
				PlatformID: li.ID,
				Title:      li.Title,
				SKU:        deref(li.SKU),
				Quantity:   li.Quantity,
				Price:      price,
			}
			if li.Product != nil {
				item.ProductID = li.Product.ID
			}
			if li.Variant != nil {
				item.VariantID = li.Variant.ID
			}
			order.LineItems = append(order.LineItems, item)
		}
	}
	return order, nil
}

// ParseBulkLine decodes one JSONL line of a bulk export
func ParseBulkLine(shop string, line []byte) (models.ImportRecord, error) {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return models.ImportRecord{}, fmt.Errorf("malformed bulk line: %w", err)
	}

	switch RecordKind(head.ID) {
	case KindCustomer:
		var n CustomerNode
		if err := json.Unmarshal(line, &n); err != nil {
			return models.ImportRecord{}, fmt.Errorf("malformed customer line: %w", err)
		}
		c, err := MapCustomerNode(shop, &n)
		if err != nil {
			return models.ImportRecord{}, err
		}
		return models.ImportRecord{PlatformID: head.ID, Customer: c}, nil
	case KindOrder:
		var n OrderNode
		if err := json.Unmarshal(line, &n); err != nil {
			return models.ImportRecord{}, fmt.Errorf("malformed order line: %w", err)
		}
		o, err := MapOrderNode(shop, &n)
		if err != nil {
			return models.ImportRecord{}, err
		}
		return models.ImportRecord{PlatformID: head.ID, Order: o}, nil
	}
	return models.ImportRecord{}, fmt.Errorf("%w: %q", ErrUnknownKind, head.ID)
}

func decimalMoney(d *decimal.Decimal, currency string) money.Money {
	if d == nil {
		return money.Zero(currency)
	}
	return money.FromDecimal(*d, currency)
}

func splitTags(tags string) []string {
	out := []string{}
	for _, t := range strings.Split(tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func customerFromREST(shop string, c *goshopify.Customer, currency string) *models.Customer {
	return newCustomer(shop, GID(KindCustomer, c.Id), c.Email, c.FirstName, c.LastName, c.Phone,
		splitTags(c.Tags), c.OrdersCount, decimalMoney(c.TotalSpent, currency), c.CreatedAt, c.UpdatedAt)
}

// CustomerFromWebhook maps a customers/* webhook payload
func CustomerFromWebhook(shop string, payload []byte) (*models.Customer, error) {
	var c goshopify.Customer
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("invalid customer payload: %w", err)
	}
	if c.Id == 0 {
		return nil, errors.New("customer payload has no id")
	}
	return customerFromREST(shop, &c, ""), nil
}

// CustomerIDFromWebhook extracts the gid from a customers/delete payload
func CustomerIDFromWebhook(payload []byte) (string, error) {
	var body struct {
		ID uint64 `json:"id"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", fmt.Errorf("invalid customer payload: %w", err)
	}
	if body.ID == 0 {
		return "", errors.New("customer payload has no id")
	}
	return GID(KindCustomer, body.ID), nil
}

// OrderFromWebhook maps an orders/* webhook payload. The embedded customer,
// when present, is returned as well so it can be upserted first.
func OrderFromWebhook(shop string, payload []byte) (*models.Order, *models.Customer, error) {
	var o goshopify.Order
	if err := json.Unmarshal(payload, &o); err != nil {
		return nil, nil, fmt.Errorf("invalid order payload: %w", err)
	}
	if o.Id == 0 {
		return nil, nil, errors.New("order payload has no id")
	}
	if o.CreatedAt == nil {
		return nil, nil, errors.New("order payload has no created_at")
	}

	order := &models.Order{
		ShopID:            shop,
		PlatformID:        GID(KindOrder, o.Id),
		Name:              o.Name,
		Email:             o.Email,
		TotalPrice:        decimalMoney(o.TotalPrice, o.Currency),
		FinancialStatus:   strings.ToLower(string(o.FinancialStatus)),
		PlatformCreatedAt: *o.CreatedAt,
		PlatformUpdatedAt: o.UpdatedAt,
		ProcessedAt:       o.ProcessedAt,
		LineItems:         make([]models.LineItem, 0, len(o.LineItems)),
	}
	for _, li := range o.LineItems {
		item := models.LineItem{
			PlatformID: fmt.Sprintf("%sLineItem/%d", gidPrefix, li.Id),
			Title:      li.Title,
			SKU:        li.SKU,
			Quantity:   li.Quantity,
			Price:      decimalMoney(li.Price, o.Currency),
		}
		if li.ProductId != 0 {
			item.ProductID = fmt.Sprintf("%sProduct/%d", gidPrefix, li.ProductId)
		}
		if li.VariantId != 0 {
			item.VariantID = fmt.Sprintf("%sProductVariant/%d", gidPrefix, li.VariantId)
		}
		order.LineItems = append(order.LineItems, item)
	}

	var customer *models.Customer
	if o.Customer != nil && o.Customer.Id != 0 {
		customer = customerFromREST(shop, o.Customer, o.Currency)
		id := customer.PlatformID
		order.CustomerPlatformID = &id
	}
	return order, customer, nil
}
