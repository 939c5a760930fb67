package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"notifyhub/internal/corelog"
	"notifyhub/internal/errs"
	"notifyhub/internal/model"
	"notifyhub/internal/store"
)

// PushProviderConfig configures the HTTP push gateway (FCM/APNs proxy).
type PushProviderConfig struct {
	APIURL string
	APIKey string
}

// PushAdapter delivers push payloads, expanding a bare user_id into
// every active device token on file when the caller did not supply an
// explicit token set. Per §4.3.3, the gateway's response is classified
// per token rather than per job: a token reported unregistered or
// invalid is deactivated and logged as its own permanent_failure
// attempt, independent of whatever the other tokens in the same batch
// did.
type PushAdapter struct {
	cfg      PushProviderConfig
	tokens   *store.DeviceTokenRepo
	attempts *store.DeliveryAttemptRepo
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	log      *corelog.Logger
}

func NewPushAdapter(cfg PushProviderConfig, tokens *store.DeviceTokenRepo, attempts *store.DeliveryAttemptRepo) *PushAdapter {
	settings := gobreaker.Settings{
		Name:        "push_gateway",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	}
	return &PushAdapter{
		cfg:      cfg,
		tokens:   tokens,
		attempts: attempts,
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker:  gobreaker.NewCircuitBreaker(settings),
		log:      corelog.Default().With("channel", "push"),
	}
}

func (a *PushAdapter) Channel() model.Channel { return model.ChannelPush }

func (a *PushAdapter) Capabilities() Capabilities {
	return Capabilities{MaxBatchSize: 100}
}

func (a *PushAdapter) Send(ctx context.Context, jobs []*model.DeliveryJob) []Result {
	results := make([]Result, len(jobs))
	for i, job := range jobs {
		results[i] = a.sendOne(ctx, job)
	}
	return results
}

func (a *PushAdapter) sendOne(ctx context.Context, job *model.DeliveryJob) Result {
	payload := job.Payload.Push
	if payload == nil {
		return Result{JobID: job.ID, Err: errs.New(errs.InvalidInput, "job has no push payload")}
	}

	tokens := payload.Tokens
	if len(tokens) == 0 && payload.Topic == "" {
		active, err := a.tokens.ActiveTokens(job.UserID)
		if err != nil {
			return Result{JobID: job.ID, Err: errs.Wrap(errs.Internal, err, "device token lookup failed")}
		}
		if len(active) == 0 {
			return Result{JobID: job.ID, Err: errs.New(errs.InvalidHandle, "no active device tokens for user")}
		}
		for _, t := range active {
			tokens = append(tokens, t.Token)
		}
	}

	var outcomes []pushTokenOutcome
	_, breakerErr := a.breaker.Execute(func() (interface{}, error) {
		o, sendErr := a.deliver(ctx, tokens, payload)
		outcomes = o
		return nil, sendErr
	})
	if breakerErr == gobreaker.ErrOpenState || breakerErr == gobreaker.ErrTooManyRequests {
		return Result{JobID: job.ID, Err: errs.Wrap(errs.Transient, breakerErr, "push gateway circuit open")}
	}
	if breakerErr != nil {
		return Result{JobID: job.ID, Err: classifyHTTPErr(breakerErr)}
	}
	return a.classifyOutcomes(job, outcomes)
}

// pushTokenOutcome is one gateway-reported result for a single device
// token within a (possibly multi-token) push job.
type pushTokenOutcome struct {
	Token     string `json:"token"`
	Status    string `json:"status"` // "accepted" | "unregistered" | "invalid_token" | anything else treated as a transient per-token failure
	MessageID string `json:"message_id"`
}

type pushGatewayResponse struct {
	Results []pushTokenOutcome `json:"results"`
}

func (a *PushAdapter) deliver(ctx context.Context, tokens []string, payload *model.PushPayload) ([]pushTokenOutcome, error) {
	body, err := json.Marshal(map[string]interface{}{
		"tokens": tokens,
		"topic":  payload.Topic,
		"title":  payload.Title,
		"body":   payload.Body,
		"data":   payload.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, &permanentHTTPErr{status: resp.StatusCode}
	}

	var parsed pushGatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	return parsed.Results, nil
}

// classifyOutcomes applies §4.3.3's per-token classification: a
// delivered token records its own delivered attempt, an unregistered
// or invalid token is deactivated and records its own permanent
// failure, and the batch's aggregate Result (the only outcome the
// engine's job-level retry bookkeeping sees) reflects whether any
// token in the batch got through.
func (a *PushAdapter) classifyOutcomes(job *model.DeliveryJob, outcomes []pushTokenOutcome) Result {
	now := time.Now().UTC()
	var delivered, permanentlyFailed int
	var firstMessageID string

	for _, o := range outcomes {
		switch o.Status {
		case "unregistered", "invalid_token":
			permanentlyFailed++
			if err := a.tokens.Deactivate(job.UserID, o.Token); err != nil {
				a.log.Warn("deactivate token for %s: %v", job.UserID, err)
			}
			a.recordTokenAttempt(job, o.Token, model.AttemptFailed, "", string(errs.Permanent), now)
		default: // "accepted" and any other gateway-reported status is treated as delivered
			delivered++
			if firstMessageID == "" {
				firstMessageID = o.MessageID
			}
			a.recordTokenAttempt(job, o.Token, model.AttemptDelivered, o.MessageID, "", now)
		}
	}

	if delivered > 0 {
		return Result{JobID: job.ID, ProviderMessageID: firstMessageID}
	}
	if permanentlyFailed > 0 && permanentlyFailed == len(outcomes) {
		return Result{JobID: job.ID, Err: errs.New(errs.Permanent, "all device tokens unregistered or invalid")}
	}
	return Result{JobID: job.ID, Err: errs.New(errs.Transient, "push gateway returned no deliverable tokens")}
}

// recordTokenAttempt logs one token's outcome directly, since the
// engine's own per-job attempt bookkeeping only sees the aggregate
// Result classifyOutcomes returns and has no notion of individual
// tokens.
func (a *PushAdapter) recordTokenAttempt(job *model.DeliveryJob, token string, status model.AttemptStatus, messageID, errKind string, when time.Time) {
	if a.attempts == nil {
		return
	}
	attempt := &model.DeliveryAttempt{
		ID:                uuid.NewString(),
		NotificationID:    job.NotificationID,
		JobID:             job.ID,
		Channel:           model.ChannelPush,
		AttemptIndex:      job.Attempts,
		Status:            status,
		ProviderMessageID: messageID,
		ErrorKind:         errKind,
		Token:             token,
		AttemptedAt:       when,
	}
	if status.Terminal() {
		attempt.SettledAt = &when
	}
	if err := a.attempts.Append(attempt); err != nil {
		a.log.Warn("record token attempt for job %s: %v", job.ID, err)
	}
}
