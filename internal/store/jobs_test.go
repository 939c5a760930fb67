package store

import (
	"os"
	"testing"
	"time"

	"notifyhub/internal/config"
	"notifyhub/internal/model"
)

func newTestStore(t *testing.T) *Store {
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

func newTestJob(id string) *model.DeliveryJob {
	return &model.DeliveryJob{
		ID:             id,
		NotificationID: "notif-1",
		UserID:         "user-1",
		Channel:        model.ChannelEmail,
		Priority:       model.PriorityNormal,
		MaxAttempts:    3,
		NotBefore:      time.Now().UTC().Add(-time.Minute),
		State:          model.JobPending,
	}
}

func TestDeliveryJobRepo_ClaimBatch(t *testing.T) {
	s := newTestStore(t)
	repo := NewDeliveryJobRepo(s)

	job := newTestJob("job-1")
	if err := repo.Insert(job); err != nil {
		t.Fatalf("insert: %v", err)
	}

	now := time.Now().UTC()
	claimed, err := repo.ClaimBatch(model.ChannelEmail, model.PriorityNormal, 10, now, time.Minute)
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "job-1" {
		t.Fatalf("expected to claim job-1, got %+v", claimed)
	}
	if claimed[0].State != model.JobInFlight {
		t.Errorf("expected claimed job to be in_flight, got %s", claimed[0].State)
	}

	// A second claim before visibility expires must not re-claim it.
	again, err := repo.ClaimBatch(model.ChannelEmail, model.PriorityNormal, 10, now, time.Minute)
	if err != nil {
		t.Fatalf("second claim batch: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no jobs claimable while still in flight, got %d", len(again))
	}
}

func TestDeliveryJobRepo_ClaimBatch_ReclaimsExpiredVisibility(t *testing.T) {
	s := newTestStore(t)
	repo := NewDeliveryJobRepo(s)

	job := newTestJob("job-2")
	if err := repo.Insert(job); err != nil {
		t.Fatalf("insert: %v", err)
	}

	past := time.Now().UTC().Add(-time.Hour)
	if _, err := repo.ClaimBatch(model.ChannelEmail, model.PriorityNormal, 10, past, time.Millisecond); err != nil {
		t.Fatalf("initial claim: %v", err)
	}

	now := time.Now().UTC()
	reclaimed, err := repo.ClaimBatch(model.ChannelEmail, model.PriorityNormal, 10, now, time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("expected job with expired visibility to be reclaimable, got %d", len(reclaimed))
	}
}

func TestDeliveryJobRepo_RescheduleAndDeadLetter(t *testing.T) {
	s := newTestStore(t)
	repo := NewDeliveryJobRepo(s)

	job := newTestJob("job-3")
	if err := repo.Insert(job); err != nil {
		t.Fatalf("insert: %v", err)
	}

	notBefore := time.Now().UTC().Add(time.Hour)
	if err := repo.Reschedule("job-3", 1, notBefore); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	got, err := repo.Get("job-3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.JobPending || got.Attempts != 1 {
		t.Errorf("expected rescheduled job pending with attempts=1, got state=%s attempts=%d", got.State, got.Attempts)
	}

	if err := repo.MarkDeadLettered("job-3", 3); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	got, err = repo.Get("job-3")
	if err != nil {
		t.Fatalf("get after dead-letter: %v", err)
	}
	if got.State != model.JobDeadLettered {
		t.Errorf("expected dead_lettered, got %s", got.State)
	}
}

func TestDeliveryJobRepo_Cancel(t *testing.T) {
	s := newTestStore(t)
	repo := NewDeliveryJobRepo(s)

	for _, id := range []string{"job-4", "job-5"} {
		job := newTestJob(id)
		job.NotificationID = "notif-cancel"
		if err := repo.Insert(job); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	n, err := repo.Cancel("notif-cancel")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 jobs cancelled, got %d", n)
	}
}
