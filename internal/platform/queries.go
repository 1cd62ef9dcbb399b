package platform

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/models"
)

// PageSize is the page size of delta queries
const PageSize = 250

// BulkOperationStatus values reported by the platform
const (
	BulkStatusCreated   = "CREATED"
	BulkStatusRunning   = "RUNNING"
	BulkStatusCompleted = "COMPLETED"
	BulkStatusFailed    = "FAILED"
	BulkStatusCanceled  = "CANCELED"
	BulkStatusExpired   = "EXPIRED"
)

const customerFields = `
	id
	email
	firstName
	lastName
	phone
	tags
	numberOfOrders
	amountSpent { amount currencyCode }
	createdAt
	updatedAt`

const orderFields = `
	id
	name
	email
	createdAt
	updatedAt
	processedAt
	displayFinancialStatus
	totalPriceSet { shopMoney { amount currencyCode } }
	customer { id }`

const lineItemFields = `
	lineItems(first: 50) {
		nodes {
			id
			title
			sku
			quantity
			originalUnitPriceSet { shopMoney { amount currencyCode } }
			product { id }
			variant { id }
		}
	}`

// bulkExportQuery nests orders under customers so each order line carries
// its customer's gid in __parentId.
var bulkExportQuery = `{
	customers {
		edges {
			node {` + customerFields + `
				orders {
					edges {
						node {` + orderFields + `
						}
					}
				}
			}
		}
	}
}`

const bulkRunMutation = `mutation RunBulkExport($query: String!) {
	bulkOperationRunQuery(query: $query) {
		bulkOperation { id status }
		userErrors { field message }
	}
}`

const bulkOperationQuery = `query BulkOperation($id: ID!) {
	node(id: $id) {
		... on BulkOperation {
			id
			status
			errorCode
			objectCount
			url
			partialDataUrl
		}
	}
}`

var customersUpdatedQuery = `query CustomersUpdated($first: Int!, $after: String, $query: String) {
	customers(first: $first, after: $after, query: $query, sortKey: UPDATED_AT) {
		pageInfo { hasNextPage endCursor }
		nodes {` + customerFields + `
		}
	}
}`

var ordersUpdatedQuery = `query OrdersUpdated($first: Int!, $after: String, $query: String) {
	orders(first: $first, after: $after, query: $query, sortKey: UPDATED_AT) {
		pageInfo { hasNextPage endCursor }
		nodes {` + orderFields + lineItemFields + `
		}
	}
}`

const tagsAddMutation = `mutation AddTags($id: ID!, $tags: [String!]!) {
	tagsAdd(id: $id, tags: $tags) {
		node { id }
		userErrors { field message }
	}
}`

// UserError is a mutation validation error
type UserError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

func userErrorsErr(op string, errs []UserError) error {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		if len(e.Field) > 0 {
			msgs = append(msgs, strings.Join(e.Field, ".")+": "+e.Message)
		} else {
			msgs = append(msgs, e.Message)
		}
	}
	return apperrors.NewPlatformError(op, fmt.Errorf("user errors: %s", strings.Join(msgs, "; ")))
}

// BulkOperation is the status of an asynchronous bulk export
type BulkOperation struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	ErrorCode      *string `json:"errorCode"`
	ObjectCount    string  `json:"objectCount"`
	URL            *string `json:"url"`
	PartialDataURL *string `json:"partialDataUrl"`
}

// Completed reports whether the operation finished successfully
func (b *BulkOperation) Completed() bool {
	return b != nil && b.Status == BulkStatusCompleted
}

// RunBulkExport starts a bulk export of all customers with their orders
func (c *Client) RunBulkExport(ctx context.Context) (*BulkOperation, error) {
	var out struct {
		BulkOperationRunQuery struct {
			BulkOperation *BulkOperation `json:"bulkOperation"`
			UserErrors    []UserError    `json:"userErrors"`
		} `json:"bulkOperationRunQuery"`
	}
	vars := map[string]interface{}{"query": bulkExportQuery}
	if err := c.Execute(ctx, bulkRunMutation, vars, &out); err != nil {
		return nil, err
	}
	if err := userErrorsErr("bulkOperationRunQuery", out.BulkOperationRunQuery.UserErrors); err != nil {
		return nil, err
	}
	if out.BulkOperationRunQuery.BulkOperation == nil {
		return nil, apperrors.NewPlatformError("bulkOperationRunQuery", fmt.Errorf("no bulk operation returned"))
	}
	return out.BulkOperationRunQuery.BulkOperation, nil
}

// BulkOperation looks up a bulk operation by gid
func (c *Client) BulkOperation(ctx context.Context, gid string) (*BulkOperation, error) {
	var out struct {
		Node *BulkOperation `json:"node"`
	}
	if err := c.Execute(ctx, bulkOperationQuery, map[string]interface{}{"id": gid}, &out); err != nil {
		return nil, err
	}
	if out.Node == nil || out.Node.ID == "" {
		return nil, apperrors.NewNotFoundError("bulk operation", gid)
	}
	return out.Node, nil
}

type pageInfo struct {
	HasNextPage bool    `json:"hasNextPage"`
	EndCursor   *string `json:"endCursor"`
}

// Page is one page of a delta query
type Page[T any] struct {
	Items       []T
	HasNextPage bool
	EndCursor   string
}

func pageVars(since time.Time, after string) map[string]interface{} {
	vars := map[string]interface{}{
		"first": PageSize,
		"query": fmt.Sprintf("updated_at:>'%s'", since.UTC().Format(time.RFC3339)),
	}
	if after != "" {
		vars["after"] = after
	}
	return vars
}

// CustomersUpdatedSince returns one page of customers updated after since
func (c *Client) CustomersUpdatedSince(ctx context.Context, since time.Time, after string) (*Page[*models.Customer], error) {
	var out struct {
		Customers struct {
			PageInfo pageInfo       `json:"pageInfo"`
			Nodes    []CustomerNode `json:"nodes"`
		} `json:"customers"`
	}
	if err := c.Execute(ctx, customersUpdatedQuery, pageVars(since, after), &out); err != nil {
		return nil, err
	}

	page := &Page[*models.Customer]{HasNextPage: out.Customers.PageInfo.HasNextPage}
	if out.Customers.PageInfo.EndCursor != nil {
		page.EndCursor = *out.Customers.PageInfo.EndCursor
	}
	for i := range out.Customers.Nodes {
		customer, err := MapCustomerNode(c.shop, &out.Customers.Nodes[i])
		if err != nil {
			c.logger.WithError(err).WithField("gid", out.Customers.Nodes[i].ID).Warn("Skipping unmappable customer")
			continue
		}
		page.Items = append(page.Items, customer)
	}
	return page, nil
}

// OrdersUpdatedSince returns one page of orders updated after since
func (c *Client) OrdersUpdatedSince(ctx context.Context, since time.Time, after string) (*Page[*models.Order], error) {
	var out struct {
		Orders struct {
			PageInfo pageInfo    `json:"pageInfo"`
			Nodes    []OrderNode `json:"nodes"`
		} `json:"orders"`
	}
	if err := c.Execute(ctx, ordersUpdatedQuery, pageVars(since, after), &out); err != nil {
		return nil, err
	}

	page := &Page[*models.Order]{HasNextPage: out.Orders.PageInfo.HasNextPage}
	if out.Orders.PageInfo.EndCursor != nil {
		page.EndCursor = *out.Orders.PageInfo.EndCursor
	}
	for i := range out.Orders.Nodes {
		order, err := MapOrderNode(c.shop, &out.Orders.Nodes[i])
		if err != nil {
			c.logger.WithError(err).WithField("gid", out.Orders.Nodes[i].ID).Warn("Skipping unmappable order")
			continue
		}
		page.Items = append(page.Items, order)
	}
	return page, nil
}

// AddTags adds tags to a taggable resource (customer or order gid)
func (c *Client) AddTags(ctx context.Context, gid string, tags []string) error {
	var out struct {
		TagsAdd struct {
			UserErrors []UserError `json:"userErrors"`
		} `json:"tagsAdd"`
	}
	vars := map[string]interface{}{"id": gid, "tags": tags}
	if err := c.Execute(ctx, tagsAddMutation, vars, &out); err != nil {
		return err
	}
	return userErrorsErr("tagsAdd", out.TagsAdd.UserErrors)
}
