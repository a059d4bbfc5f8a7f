package voyworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

const (
	passengerStatusPath       = "/api/passenger-status"
	notificationDismissedPath = "/api/analytics/notification-dismissed"
)

// Beacon sends best-effort side-effect calls to the application origin.
// Its exported methods never return errors; failures are logged and dropped.
type Beacon struct {
	client *http.Client
	origin string
	log    *zap.Logger
}

func NewBeacon(client *http.Client, origin string, log *zap.Logger) *Beacon {
	if log == nil {
		log = zap.NewNop()
	}
	return &Beacon{client: client, origin: origin, log: log}
}

// PassengerReady posts {status:"ready", ...data}.
func (b *Beacon) PassengerReady(ctx context.Context, data map[string]string) {
	body := map[string]string{"status": "ready"}
	for k, v := range data {
		body[k] = v
	}
	if err := b.post(ctx, passengerStatusPath, body); err != nil {
		b.log.Warn("passenger status update failed", zap.Error(err))
	}
}

func (b *Beacon) NotificationDismissed(ctx context.Context, notificationType string, timestamp int64) {
	body := struct {
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
	}{notificationType, timestamp}
	if err := b.post(ctx, notificationDismissedPath, body); err != nil {
		b.log.Warn("notification dismissal beacon failed", zap.Error(err))
	}
}

func (b *Beacon) post(ctx context.Context, path string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.origin+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", path, resp.StatusCode)
	}
	return nil
}
