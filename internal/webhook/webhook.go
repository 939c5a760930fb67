// Package webhook handles inbound provider delivery-status callbacks
// (bounced/opened/clicked/dismissed) over HTTP, mounted on
// cmd/server's gorilla/mux router per the specification's narrow HTTP
// surface. Adapted from kolajAi/internal/services's
// IntegrationWebhookService.HandleWebhook: same read-body / verify-
// signature / dispatch-by-channel-type shape, trimmed of the
// marketplace-specific per-integration handler registry (this domain
// has exactly four channels, not an open integration set) and of the
// async retry-queue wrapper (a dropped callback here is a missed
// status update, not a lost marketplace order - the provider retries
// callbacks on its own schedule).
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"notifyhub/internal/analytics"
	"notifyhub/internal/corelog"
	"notifyhub/internal/model"
	"notifyhub/internal/preferences"
	"notifyhub/internal/store"
)

// eventStatus maps the provider-facing event name carried in a
// callback payload to the monotone attempt status it represents.
// hard_bounce, soft_bounce and complaint all settle the attempt as
// bounced; they're kept as distinct event names (rather than collapsed
// before this lookup) because only a subset of them - hard_bounce and
// complaint - additionally suppress the recipient, per §4.3.1.
var eventStatus = map[string]model.AttemptStatus{
	"delivered":   model.AttemptDelivered,
	"bounced":     model.AttemptBounced,
	"hard_bounce": model.AttemptBounced,
	"soft_bounce": model.AttemptBounced,
	"complaint":   model.AttemptBounced,
	"opened":      model.AttemptOpened,
	"clicked":     model.AttemptClicked,
	"dismissed":   model.AttemptDismissed,
}

// suppressingEvents are the bounce subtypes that, on top of settling
// the attempt as bounced, add the recipient to the channel's
// suppression list - a soft_bounce is presumed transient (mailbox
// full, greylisting) and does not suppress.
var suppressingEvents = map[string]string{
	"hard_bounce": "hard_bounce",
	"complaint":   "complaint",
}

// Payload is the callback body every provider webhook is expected to
// send: a reference to the provider message ID this module minted the
// attempt under, plus the event it's reporting.
type Payload struct {
	ProviderMessageID string `json:"provider_message_id"`
	Event             string `json:"event"`
}

// Handler resolves an inbound callback to its DeliveryAttempt and
// applies the status update as a compare-and-swap against the
// attempt's current status, per the specification's explicit
// admission that a callback can race the outbound send()'s own status
// write: ValidTransition rejects whichever of the two arrives
// out of order instead of silently overwriting it.
type Handler struct {
	attempts  *store.DeliveryAttemptRepo
	jobs      *store.DeliveryJobRepo
	analytics *analytics.Recorder
	resolver  *preferences.Resolver
	secret    []byte
	log       *corelog.Logger
}

func NewHandler(attempts *store.DeliveryAttemptRepo, jobs *store.DeliveryJobRepo, analyticsRecorder *analytics.Recorder, resolver *preferences.Resolver, secret string) *Handler {
	return &Handler{
		attempts:  attempts,
		jobs:      jobs,
		analytics: analyticsRecorder,
		resolver:  resolver,
		secret:    []byte(secret),
		log:       corelog.Default().With("component", "webhook"),
	}
}

// ServeHTTP validates the request's HMAC signature (when a secret is
// configured), parses the callback payload, and applies the status
// transition it describes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if len(h.secret) > 0 && !h.validSignature(body, r.Header.Get("X-Signature")) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	status, ok := eventStatus[payload.Event]
	if !ok {
		http.Error(w, "unrecognized event", http.StatusBadRequest)
		return
	}

	if err := h.apply(payload.ProviderMessageID, payload.Event, status); err != nil {
		h.log.Warn("webhook callback dropped for %s: %v", payload.ProviderMessageID, err)
		w.WriteHeader(http.StatusOK) // provider retries are not useful here; ack and move on
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) validSignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (h *Handler) apply(providerMessageID, event string, status model.AttemptStatus) error {
	latest, err := h.attempts.FindLatestByProviderMessageID(providerMessageID)
	if err != nil {
		return err
	}
	if !model.ValidTransition(latest.Status, status) {
		h.log.Warn("dropping out-of-order callback for %s: %s -> %s", providerMessageID, latest.Status, status)
		return nil
	}

	now := time.Now().UTC()
	attempt := &model.DeliveryAttempt{
		ID:                uuid.NewString(),
		NotificationID:    latest.NotificationID,
		JobID:             latest.JobID,
		Channel:           latest.Channel,
		AttemptIndex:      latest.AttemptIndex,
		Status:            status,
		ProviderMessageID: providerMessageID,
		AttemptedAt:       now,
	}
	if status.Terminal() {
		attempt.SettledAt = &now
	}
	if err := h.attempts.Append(attempt); err != nil {
		return err
	}

	var job *model.DeliveryJob
	if j, err := h.jobs.Get(latest.JobID); err == nil {
		job = j
	}

	if reason, suppresses := suppressingEvents[event]; suppresses && h.resolver != nil && job != nil {
		if err := h.resolver.Suppress(job.UserID, latest.Channel, reason); err != nil {
			h.log.Warn("suppress %s on %s after %s: %v", job.UserID, latest.Channel, event, err)
		}
	}

	if h.analytics != nil {
		notifType := ""
		if job != nil {
			notifType = job.Type
		}
		h.analytics.Record(latest.NotificationID, latest.JobID, latest.Channel, notifType, string(status))
	}
	return nil
}
