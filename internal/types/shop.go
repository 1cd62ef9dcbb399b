package types

import (
	"strings"

	goshopify "github.com/bold-commerce/go-shopify/v4"
)

// ShopIDFromURL derives the stable shop id from a store URL or domain.
// "https://Acme.myshopify.com/admin" and "acme" both yield "acme".
func ShopIDFromURL(storeURL string) string {
	s := strings.ToLower(strings.TrimSpace(storeURL))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return ""
	}
	return goshopify.ShopShortName(s)
}

// ShopDomain returns the full myshopify domain for a shop id
func ShopDomain(shopID string) string {
	return goshopify.ShopFullName(shopID)
}

// ShopBaseURL returns the storefront admin origin for a shop id
func ShopBaseURL(shopID string) string {
	return goshopify.ShopBaseUrl(shopID)
}
