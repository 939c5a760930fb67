package channels

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"notifyhub/internal/corelog"
	"notifyhub/internal/errs"
	"notifyhub/internal/model"
	"notifyhub/internal/preferences"
)

// SMTPConfig is the provider connection detail for the email adapter,
// adapted from kolajAi/internal/email.Config.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	FromAddr string
	FromName string
}

func (c SMTPConfig) addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

func (c SMTPConfig) tlsConfig() *tls.Config {
	return &tls.Config{ServerName: c.Host, MinVersion: tls.VersionTLS12}
}

// EmailAdapter sends rendered email payloads over SMTP, wrapped in a
// circuit breaker around the provider connection the same way
// kolajAi/internal/integrations/manager.go wraps each integration's
// calls, so a dying SMTP relay stops eating the full adapter timeout
// on every job once it has failed enough in a row.
// EmailAdapter also re-checks the suppression list itself, rather than
// trusting only the orchestrator's pre-job preference check: a bounce
// webhook can suppress a recipient after its jobs are already queued,
// so the orchestrator's check (taken before enqueue) can be stale by
// the time this adapter actually dials out.
type EmailAdapter struct {
	cfg      SMTPConfig
	resolver *preferences.Resolver
	breaker  *gobreaker.CircuitBreaker
	log      *corelog.Logger
	dial     func(addr string, tlsCfg *tls.Config, host string) (*smtp.Client, error)
}

func NewEmailAdapter(cfg SMTPConfig, resolver *preferences.Resolver) *EmailAdapter {
	settings := gobreaker.Settings{
		Name:        "email_smtp",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	}
	return &EmailAdapter{
		cfg:      cfg,
		resolver: resolver,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		log:      corelog.Default().With("channel", "email"),
		dial:     dialSMTP,
	}
}

func (a *EmailAdapter) Channel() model.Channel { return model.ChannelEmail }

func (a *EmailAdapter) Capabilities() Capabilities {
	return Capabilities{MaxBatchSize: 50, SupportsHTML: true}
}

func (a *EmailAdapter) Send(ctx context.Context, jobs []*model.DeliveryJob) []Result {
	results := make([]Result, len(jobs))
	for i, job := range jobs {
		results[i] = a.sendOne(ctx, job)
	}
	return results
}

func (a *EmailAdapter) sendOne(ctx context.Context, job *model.DeliveryJob) Result {
	payload := job.Payload.Email
	if payload == nil {
		return Result{JobID: job.ID, Err: errs.New(errs.InvalidInput, "job has no email payload")}
	}
	if !strings.Contains(payload.To, "@") {
		return Result{JobID: job.ID, Err: errs.New(errs.InvalidHandle, fmt.Sprintf("malformed address %q", payload.To))}
	}

	if a.resolver != nil {
		suppressed, err := a.resolver.IsSuppressed(job.UserID, model.ChannelEmail)
		if err != nil {
			return Result{JobID: job.ID, Err: errs.Wrap(errs.Internal, err, "suppression lookup failed")}
		}
		if suppressed {
			return Result{JobID: job.ID, Err: errs.New(errs.Suppressed, fmt.Sprintf("%s is suppressed on email", job.UserID))}
		}
	}

	_, err := a.breaker.Execute(func() (interface{}, error) {
		return nil, a.deliver(payload)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return Result{JobID: job.ID, Err: errs.Wrap(errs.Transient, err, "smtp circuit open")}
	}
	if err != nil {
		return Result{JobID: job.ID, Err: classifySMTPErr(err)}
	}
	return Result{JobID: job.ID}
}

func (a *EmailAdapter) deliver(payload *model.EmailPayload) error {
	client, err := a.dial(a.cfg.addr(), a.cfg.tlsConfig(), a.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	defer client.Close()

	auth := smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := client.Mail(a.cfg.FromAddr); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}
	if err := client.Rcpt(payload.To); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s <%s>\r\n", a.cfg.FromName, a.cfg.FromAddr)
	fmt.Fprintf(&msg, "To: %s\r\n", payload.To)
	fmt.Fprintf(&msg, "Subject: %s\r\n", payload.Subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	if payload.HTML != "" {
		msg.WriteString(payload.HTML)
	} else {
		msg.WriteString(payload.Text)
	}

	if _, err := w.Write(msg.Bytes()); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}

func dialSMTP(addr string, tlsCfg *tls.Config, host string) (*smtp.Client, error) {
	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return nil, err
	}
	return smtp.NewClient(conn, host)
}

// classifySMTPErr maps a raw net/smtp error into the pipeline's closed
// error taxonomy: 550/551/553 replies (recipient rejected) are
// permanent; everything else (network errors, 4xx replies, other 5xx
// replies, timeouts) is treated as transient and retried.
func classifySMTPErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "550") || strings.Contains(msg, "551") || strings.Contains(msg, "553") {
		return errs.Wrap(errs.Permanent, err, "smtp rejected recipient")
	}
	return errs.Wrap(errs.Transient, err, "smtp delivery failed")
}
