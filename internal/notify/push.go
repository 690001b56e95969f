// Package notify delivers web push notifications to clinicians when
// emergency keywords surface in a live consultation.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/healthsync/healthsync/internal/config"
	"github.com/healthsync/healthsync/internal/models"
	"github.com/healthsync/healthsync/internal/store"
)

type Notifier struct {
	keys    *config.VAPIDKeys
	records *store.Records
	logger  *slog.Logger
}

func New(keys *config.VAPIDKeys, records *store.Records, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{keys: keys, records: records, logger: logger}
}

// EmergencyDetected pushes an alert to every subscription of the named
// clinician. Best-effort: failures are logged, dead subscriptions are
// dropped.
func (n *Notifier) EmergencyDetected(clinicianName, roomKey string, alert models.EmergencyAlert) {
	if n.keys == nil || n.records == nil || clinicianName == "" {
		return
	}

	subs, err := n.records.SubscriptionsFor(clinicianName)
	if err != nil {
		n.logger.Warn("push subscription lookup failed", "clinician", clinicianName, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"title": "Possible medical emergency",
		"body":  fmt.Sprintf("Keywords detected in consultation %s: %v", roomKey, alert.DetectedKeywords),
		"data": map[string]any{
			"room_key": roomKey,
			"severity": alert.Severity,
		},
		"urgency": "high",
	})
	if err != nil {
		return
	}

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256DH,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      n.keys.Subject,
			VAPIDPublicKey:  n.keys.PublicKey,
			VAPIDPrivateKey: n.keys.PrivateKey,
			TTL:             30,
		})
		if err != nil {
			n.logger.Warn("push send failed", "clinician", clinicianName, "error", err)
			continue
		}
		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			n.logger.Debug("dropping dead push subscription", "id", sub.ID, "status", resp.StatusCode)
			n.records.DropSubscription(sub.ID)
		}
		resp.Body.Close()
	}
}
