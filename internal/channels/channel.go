// Package channels defines the uniform adapter interface the engine
// dispatches DeliveryJobs through, and the four concrete adapters
// (email, sms, push, in_app).
package channels

import (
	"context"

	"notifyhub/internal/model"
)

// Result is the per-job outcome of an adapter's Send call.
type Result struct {
	JobID             string
	ProviderMessageID string
	Err               error // classified via errs.Kind; nil on success
}

// Adapter is the uniform interface every channel transport implements.
// Send takes a batch (size 1 for urgent/high priority, >1 for batched
// normal/low priority) and returns one Result per job, in order.
// Adapters never retry internally - retry/dead-letter decisions live
// exclusively in the engine, keyed off the Kind of Result.Err.
type Adapter interface {
	Channel() model.Channel
	Send(ctx context.Context, jobs []*model.DeliveryJob) []Result
	Capabilities() Capabilities
}

// Capabilities describes how the engine should batch and address a
// channel's adapter.
type Capabilities struct {
	MaxBatchSize int
	SupportsHTML bool
}
