package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client pushes attendance events to the platform notification service.
// Skip mode short-circuits every call so dev environments run without the
// collaborator.
type Client struct {
	baseURL string
	skip    bool
	http    *http.Client
}

// New creates a notifier for the given base URL.
func New(baseURL string, skip bool) *Client {
	return &Client{
		baseURL: baseURL,
		skip:    skip,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Health probes the notification service.
func (c *Client) Health(ctx context.Context) error {
	if c.skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify: health status %d", resp.StatusCode)
	}
	return nil
}

// SlotSigned tells the notification service a trainer attested a slot, so
// session admins get their "sheet closed" notification.
func (c *Client) SlotSigned(ctx context.Context, orgID, sessionID, slotID, trainerID string, signedAt time.Time) error {
	return c.post(ctx, "/v1/notifications/slot-signed", map[string]any{
		"org_id":     orgID,
		"session_id": sessionID,
		"slot_id":    slotID,
		"trainer_id": trainerID,
		"signed_at":  signedAt.UTC().Format(time.RFC3339),
	})
}

// BulkMarked reports a completed bulk update with its outcome counts.
func (c *Client) BulkMarked(ctx context.Context, orgID, slotID string, updated, failed int) error {
	return c.post(ctx, "/v1/notifications/bulk-marked", map[string]any{
		"org_id":  orgID,
		"slot_id": slotID,
		"updated": updated,
		"failed":  failed,
	})
}

// SheetArchived announces that an exported sheet landed in the document
// store, with the URL consumers should link.
func (c *Client) SheetArchived(ctx context.Context, orgID, slotID, url string) error {
	return c.post(ctx, "/v1/notifications/sheet-archived", map[string]any{
		"org_id":  orgID,
		"slot_id": slotID,
		"url":     url,
	})
}

func (c *Client) post(ctx context.Context, path string, payload map[string]any) error {
	if c.skip {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("notify: %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: %s status %d: %s", path, resp.StatusCode, msg)
	}
	return nil
}
