package mailer

import (
	"context"
	"errors"

	"github.com/storefront-crm/internal/logging"
	"github.com/storefront-crm/internal/models"
)

// Tagger adds tags to a platform resource
type Tagger interface {
	AddTags(ctx context.Context, gid string, tags []string) error
}

// ExecuteTagAction tags the customer on the platform
func ExecuteTagAction(ctx context.Context, tagger Tagger, customer *models.Customer, action models.TagAction) error {
	if customer.PlatformID == "" {
		return errors.New("customer has no platform id")
	}
	if err := tagger.AddTags(ctx, customer.PlatformID, action.Tags); err != nil {
		return err
	}
	logging.FromContext(ctx).WithComponent("mailer").WithShop(customer.ShopID).WithFields(map[string]interface{}{
		"customerId": customer.ID,
		"tags":       action.Tags,
	}).Info("Customer tagged")
	return nil
}
