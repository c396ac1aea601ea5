// Package ledger is the client for the balance/ledger service, which owns
// user funds and asset holdings. The engine calls it to convert held amounts
// into the counter-asset on execution, or to return them on expiry.
//
// A 4xx response is a settlement rejection (wrapped ErrRejected): the ledger
// looked at the request and said no, so the order is terminally FAILED.
// Anything else is a transport failure.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"matching-enginev1/internal/model"
)

// ErrRejected marks a settlement the ledger refused (e.g. hold mismatch).
var ErrRejected = errors.New("ledger rejected settlement")

// IsRejection reports whether err is a settlement rejection rather than a
// transport failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrRejected)
}

// Client calls the ledger service over HTTP JSON.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a ledger client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SettleBuy converts held USD into quantity of the instrument at price.
func (c *Client) SettleBuy(ctx context.Context, username, instrumentID string, heldUSD, quantity, price decimal.Decimal) error {
	return c.post(ctx, "/v1/settle/buy", map[string]interface{}{
		"username":      username,
		"instrument_id": instrumentID,
		"held_usd":      heldUSD.String(),
		"quantity":      quantity.String(),
		"price":         price.String(),
	})
}

// SettleSell converts a held asset quantity into USD at price.
func (c *Client) SettleSell(ctx context.Context, username, instrumentID string, heldQuantity, usdAmount, price decimal.Decimal) error {
	return c.post(ctx, "/v1/settle/sell", map[string]interface{}{
		"username":      username,
		"instrument_id": instrumentID,
		"held_quantity": heldQuantity.String(),
		"usd_amount":    usdAmount.String(),
		"price":         price.String(),
	})
}

// ReleaseHold returns a held amount unchanged (expiry/cancellation path).
func (c *Client) ReleaseHold(ctx context.Context, username, instrumentID string, side model.Side, amount decimal.Decimal) error {
	return c.post(ctx, "/v1/hold/release", map[string]interface{}{
		"username":      username,
		"instrument_id": instrumentID,
		"side":          string(side),
		"amount":        amount.String(),
	})
}

func (c *Client) post(ctx context.Context, path string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ledger: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ledger: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("ledger: %s status %d (%s): %w", path, resp.StatusCode, bytes.TrimSpace(detail), ErrRejected)
	}
	return fmt.Errorf("ledger: %s unexpected status %d (%s)", path, resp.StatusCode, bytes.TrimSpace(detail))
}
