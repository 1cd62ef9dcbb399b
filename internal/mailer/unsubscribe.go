package mailer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/storefront-crm/internal/errors"
)

// UnsubscribeClaims are the fields carried by an unsubscribe token
type UnsubscribeClaims struct {
	CustomerID string
	ShopID     string
	IssuedAt   time.Time
}

func unsubscribeMAC(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewUnsubscribeToken returns base64url("customerId:shopId:unix:hmac").
// Tokens do not expire.
func NewUnsubscribeToken(secret []byte, customerID, shopID string, issuedAt time.Time) string {
	payload := fmt.Sprintf("%s:%s:%d", customerID, shopID, issuedAt.Unix())
	return base64.RawURLEncoding.EncodeToString([]byte(payload + ":" + unsubscribeMAC(secret, payload)))
}

// VerifyUnsubscribeToken recomputes the hmac over the first three fields and
// compares it in constant time
func VerifyUnsubscribeToken(secret []byte, token string) (*UnsubscribeClaims, error) {
	invalid := apperrors.NewVerificationError("invalid unsubscribe token")

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return nil, invalid
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) != 4 || parts[0] == "" || parts[1] == "" {
		return nil, invalid
	}

	payload := strings.Join(parts[:3], ":")
	if !hmac.Equal([]byte(unsubscribeMAC(secret, payload)), []byte(parts[3])) {
		return nil, invalid
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, invalid
	}

	return &UnsubscribeClaims{
		CustomerID: parts[0],
		ShopID:     parts[1],
		IssuedAt:   time.Unix(ts, 0).UTC(),
	}, nil
}

// UnsubscribeURL is the public one-click unsubscribe link for a token
func UnsubscribeURL(baseURL, token string) string {
	return baseURL + "/unsubscribe?token=" + url.QueryEscape(token)
}
