package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"notifyhub/internal/corelog"
	"notifyhub/internal/errs"
	"notifyhub/internal/model"
)

// SMSProviderConfig configures the HTTP SMS gateway the adapter calls.
// DefaultCountryCode is the calling code (no leading '+', e.g. "1")
// prepended to a number that arrives without one, when its digit count
// unambiguously matches that country's national significant number
// length; with no default configured, a number missing its leading
// '+' is always rejected rather than guessed at.
type SMSProviderConfig struct {
	APIURL             string
	APIKey             string
	From               string
	DefaultCountryCode string
}

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// maxSMSBodyLength is the concatenated-segment cap of §4.3.2; a longer
// body can never be split into a deliverable message.
const maxSMSBodyLength = 1600

// countryNationalLength maps a country calling code to the digit count
// of its national significant number, the minimum needed to reformat
// a bare national number unambiguously.
var countryNationalLength = map[string]int{
	"1":  10, // NANP (US/Canada)
	"44": 10, // UK
	"91": 10, // India
}

// knownCountryCodes is checked longest-prefix-first so "44" isn't
// mistaken for a "4"-prefixed code that doesn't exist in the table.
var knownCountryCodes = []string{"86", "44", "91", "1"}

// alphanumericSenderRestricted lists country calling codes whose SMS
// regulator forbids an alphanumeric sender id (carriers reject or
// silently drop the message instead of bouncing it cleanly, so this
// is caught before the adapter ever dials out).
var alphanumericSenderRestricted = map[string]bool{
	"86": true, // China
	"91": true, // India (DLT sender id registration required)
}

func countryCodeOf(e164 string) string {
	digits := strings.TrimPrefix(e164, "+")
	for _, cc := range knownCountryCodes {
		if strings.HasPrefix(digits, cc) {
			return cc
		}
	}
	return ""
}

func isAlphanumericSender(from string) bool {
	for _, r := range from {
		if (r < '0' || r > '9') && r != '+' {
			return true
		}
	}
	return false
}

// SMSAdapter sends rendered SMS payloads through an HTTP gateway,
// reformatting numbers to E.164 before the call and circuit-breaking
// the gateway connection the way the email adapter does.
type SMSAdapter struct {
	cfg     SMSProviderConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *corelog.Logger
}

func NewSMSAdapter(cfg SMSProviderConfig) *SMSAdapter {
	settings := gobreaker.Settings{
		Name:        "sms_gateway",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	}
	return &SMSAdapter{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     corelog.Default().With("channel", "sms"),
	}
}

func (a *SMSAdapter) Channel() model.Channel { return model.ChannelSMS }

func (a *SMSAdapter) Capabilities() Capabilities {
	return Capabilities{MaxBatchSize: 20}
}

func (a *SMSAdapter) Send(ctx context.Context, jobs []*model.DeliveryJob) []Result {
	results := make([]Result, len(jobs))
	for i, job := range jobs {
		results[i] = a.sendOne(ctx, job)
	}
	return results
}

func (a *SMSAdapter) sendOne(ctx context.Context, job *model.DeliveryJob) Result {
	payload := job.Payload.SMS
	if payload == nil {
		return Result{JobID: job.ID, Err: errs.New(errs.InvalidInput, "job has no sms payload")}
	}

	if len(payload.Body) > maxSMSBodyLength {
		return Result{JobID: job.ID, Err: errs.New(errs.InvalidHandle, fmt.Sprintf("body is %d chars, exceeds the %d cap", len(payload.Body), maxSMSBodyLength)).WithCode("too_long")}
	}

	to, err := normalizeE164(payload.To, a.cfg.DefaultCountryCode)
	if err != nil {
		return Result{JobID: job.ID, Err: errs.Wrap(errs.InvalidHandle, err, "could not normalize phone number")}
	}

	if cc := countryCodeOf(to); alphanumericSenderRestricted[cc] && isAlphanumericSender(a.cfg.From) {
		return Result{JobID: job.ID, Err: errs.New(errs.Permanent, fmt.Sprintf("country code %s forbids an alphanumeric sender id", cc)).WithCode("sender_id_restricted")}
	}

	var messageID string
	_, breakerErr := a.breaker.Execute(func() (interface{}, error) {
		id, sendErr := a.deliver(ctx, to, payload.Body)
		messageID = id
		return nil, sendErr
	})
	if breakerErr == gobreaker.ErrOpenState || breakerErr == gobreaker.ErrTooManyRequests {
		return Result{JobID: job.ID, Err: errs.Wrap(errs.Transient, breakerErr, "sms gateway circuit open")}
	}
	if breakerErr != nil {
		return Result{JobID: job.ID, Err: classifyHTTPErr(breakerErr)}
	}
	return Result{JobID: job.ID, ProviderMessageID: messageID}
}

func (a *SMSAdapter) deliver(ctx context.Context, to, body string) (string, error) {
	form := url.Values{}
	form.Set("to", to)
	form.Set("from", a.cfg.From)
	form.Set("body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", &permanentHTTPErr{status: resp.StatusCode}
	}
	return resp.Header.Get("X-Message-Id"), nil
}

// normalizeE164 reformats a loosely-formatted phone number into E.164.
// A number already carrying its leading '+' is validated as-is. One
// missing its leading '+' is reformatted only when unambiguous: its
// digit count must exactly match defaultCountryCode's national
// significant number length, so e.g. a bare 10-digit NANP number
// becomes "+1"+digits; anything else is rejected rather than guessed
// at.
func normalizeE164(raw, defaultCountryCode string) (string, error) {
	trimmed := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' || r == '(' || r == ')' {
			return -1
		}
		return r
	}, raw)

	if strings.HasPrefix(trimmed, "+") {
		if !e164Pattern.MatchString(trimmed) {
			return "", fmt.Errorf("%q is not a valid E.164 number", raw)
		}
		return trimmed, nil
	}

	if defaultCountryCode == "" {
		return "", fmt.Errorf("%q is missing its leading + and no default country code is configured", raw)
	}
	nationalLen, ok := countryNationalLength[defaultCountryCode]
	if !ok || len(trimmed) != nationalLen {
		return "", fmt.Errorf("%q does not unambiguously match country code %s's national format", raw, defaultCountryCode)
	}
	candidate := "+" + defaultCountryCode + trimmed
	if !e164Pattern.MatchString(candidate) {
		return "", fmt.Errorf("%q could not be reformatted into a valid E.164 number", raw)
	}
	return candidate, nil
}

type permanentHTTPErr struct{ status int }

func (e *permanentHTTPErr) Error() string { return fmt.Sprintf("http %d", e.status) }

func classifyHTTPErr(err error) error {
	var perm *permanentHTTPErr
	if errors.As(err, &perm) {
		return errs.Wrap(errs.Permanent, err, fmt.Sprintf("provider rejected request: %d", perm.status))
	}
	return errs.Wrap(errs.Transient, err, "provider request failed")
}
