package store

import (
	"database/sql"
	"os"
	"testing"
	"time"

	"notifyhub/internal/config"
	"notifyhub/internal/model"
)

func newTestAttemptStore(t *testing.T) *Store {
	t.Helper()
	path := "test_" + t.Name() + ".db"
	os.Remove(path)
	t.Cleanup(func() { os.Remove(path) })

	s, err := Open(config.StorageConfig{Driver: "sqlite3", SQLitePath: path})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestDeliveryAttemptRepo_AppendAndListByNotification(t *testing.T) {
	repo := NewDeliveryAttemptRepo(newTestAttemptStore(t))
	now := time.Now().UTC()

	if err := repo.Append(&model.DeliveryAttempt{
		ID: "attempt-1", NotificationID: "notif-1", JobID: "job-1", Channel: model.ChannelEmail,
		AttemptIndex: 0, Status: model.AttemptSent, ProviderMessageID: "provider-msg-1", AttemptedAt: now,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := repo.Append(&model.DeliveryAttempt{
		ID: "attempt-2", NotificationID: "notif-1", JobID: "job-1", Channel: model.ChannelEmail,
		AttemptIndex: 0, Status: model.AttemptDelivered, ProviderMessageID: "provider-msg-1", AttemptedAt: now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("append second: %v", err)
	}

	attempts, err := repo.ListByNotification("notif-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Status != model.AttemptSent || attempts[1].Status != model.AttemptDelivered {
		t.Fatalf("expected attempts ordered sent then delivered, got %+v", attempts)
	}
}

func TestDeliveryAttemptRepo_AppendDuplicateIsIdempotent(t *testing.T) {
	repo := NewDeliveryAttemptRepo(newTestAttemptStore(t))
	now := time.Now().UTC()

	attempt := &model.DeliveryAttempt{
		ID: "attempt-1", NotificationID: "notif-1", JobID: "job-1", Channel: model.ChannelEmail,
		AttemptIndex: 0, Status: model.AttemptSent, AttemptedAt: now,
	}
	if err := repo.Append(attempt); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := repo.Append(attempt); err != nil {
		t.Fatalf("expected a duplicate append to be a no-op, got error: %v", err)
	}

	attempts, err := repo.ListByNotification("notif-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected the duplicate append to not create a second row, got %d", len(attempts))
	}
}

func TestDeliveryAttemptRepo_LatestStatus(t *testing.T) {
	repo := NewDeliveryAttemptRepo(newTestAttemptStore(t))
	now := time.Now().UTC()

	if status, err := repo.LatestStatus("job-1"); err != nil || status != "" {
		t.Fatalf("expected empty status for a job with no attempts, got %q, %v", status, err)
	}

	if err := repo.Append(&model.DeliveryAttempt{
		ID: "attempt-1", NotificationID: "notif-1", JobID: "job-1", Channel: model.ChannelEmail,
		AttemptIndex: 0, Status: model.AttemptSent, AttemptedAt: now,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := repo.Append(&model.DeliveryAttempt{
		ID: "attempt-2", NotificationID: "notif-1", JobID: "job-1", Channel: model.ChannelEmail,
		AttemptIndex: 1, Status: model.AttemptFailed, AttemptedAt: now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("append second: %v", err)
	}

	status, err := repo.LatestStatus("job-1")
	if err != nil {
		t.Fatalf("latest status: %v", err)
	}
	if status != model.AttemptFailed {
		t.Fatalf("expected latest status to be the most recent attempt_index, got %q", status)
	}
}

func TestDeliveryAttemptRepo_FindLatestByProviderMessageID(t *testing.T) {
	repo := NewDeliveryAttemptRepo(newTestAttemptStore(t))
	now := time.Now().UTC()

	if err := repo.Append(&model.DeliveryAttempt{
		ID: "attempt-1", NotificationID: "notif-1", JobID: "job-1", Channel: model.ChannelEmail,
		AttemptIndex: 0, Status: model.AttemptSent, ProviderMessageID: "provider-msg-1", AttemptedAt: now,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	found, err := repo.FindLatestByProviderMessageID("provider-msg-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.JobID != "job-1" {
		t.Fatalf("expected to resolve back to job-1, got %q", found.JobID)
	}
}

func TestDeliveryAttemptRepo_FindLatestByProviderMessageIDUnknownReturnsNoRows(t *testing.T) {
	repo := NewDeliveryAttemptRepo(newTestAttemptStore(t))

	_, err := repo.FindLatestByProviderMessageID("never-seen")
	if err != sql.ErrNoRows {
		t.Fatalf("expected sql.ErrNoRows for an unknown provider message id, got %v", err)
	}
}
