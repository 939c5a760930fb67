package preferences

import (
	"os"
	"testing"
	"time"

	"notifyhub/internal/config"
	"notifyhub/internal/errs"
	"notifyhub/internal/model"
	"notifyhub/internal/store"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	path := "test_" + t.Name() + ".db"
	os.Remove(path)
	t.Cleanup(func() { os.Remove(path) })

	s, err := store.Open(config.StorageConfig{Driver: "sqlite3", SQLitePath: path})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return NewResolver(store.NewUserPreferenceRepo(s), store.NewSuppressionRepo(s))
}

func TestResolve_NoPreferenceDefaultsAllowed(t *testing.T) {
	r := newTestResolver(t)

	decision, err := r.Resolve("user-1", model.ChannelEmail, "job_alert")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("expected absent preference to default to allowed")
	}
}

func TestResolve_SuppressionWins(t *testing.T) {
	r := newTestResolver(t)

	if err := r.Upsert(&model.UserPreference{
		UserID: "user-1", Channel: model.ChannelEmail, Enabled: true, Handle: "user@example.com",
	}); err != nil {
		t.Fatalf("upsert preference: %v", err)
	}
	if err := r.Suppress("user-1", model.ChannelEmail, "user request"); err != nil {
		t.Fatalf("suppress: %v", err)
	}

	_, err := r.Resolve("user-1", model.ChannelEmail, "job_alert")
	if errs.KindOf(err) != errs.Suppressed {
		t.Fatalf("expected Suppressed, got %v", err)
	}
}

func TestResolve_TypeOverrideWinsOverChannelDefault(t *testing.T) {
	r := newTestResolver(t)

	if err := r.Upsert(&model.UserPreference{
		UserID:        "user-1",
		Channel:       model.ChannelEmail,
		Enabled:       true,
		Handle:        "user@example.com",
		TypeOverrides: map[string]bool{"marketing": false},
	}); err != nil {
		t.Fatalf("upsert preference: %v", err)
	}

	decision, err := r.Resolve("user-1", model.ChannelEmail, "marketing")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected per-type override to deny marketing")
	}

	decision, err = r.Resolve("user-1", model.ChannelEmail, "job_alert")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("expected job_alert to fall through to the channel default (enabled)")
	}
}

func TestResolve_ChannelDisabledDenies(t *testing.T) {
	r := newTestResolver(t)

	if err := r.Upsert(&model.UserPreference{
		UserID: "user-1", Channel: model.ChannelSMS, Enabled: false, Handle: "+15550100",
	}); err != nil {
		t.Fatalf("upsert preference: %v", err)
	}

	decision, err := r.Resolve("user-1", model.ChannelSMS, "job_alert")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected disabled channel to deny")
	}
}

func TestResolve_QuietHoursSuppress(t *testing.T) {
	r := newTestResolver(t)

	now := time.Now().UTC()
	start := now.Add(-time.Hour)
	end := now.Add(time.Hour)

	if err := r.Upsert(&model.UserPreference{
		UserID:          "user-1",
		Channel:         model.ChannelPush,
		Enabled:         true,
		Handle:          "device-1",
		QuietHoursStart: start.Format("15:04"),
		QuietHoursEnd:   end.Format("15:04"),
		Timezone:        "UTC",
	}); err != nil {
		t.Fatalf("upsert preference: %v", err)
	}

	_, err := r.Resolve("user-1", model.ChannelPush, "job_alert")
	if errs.KindOf(err) != errs.Suppressed {
		t.Fatalf("expected quiet hours to suppress, got %v", err)
	}
	if errs.CodeOf(err) != "quiet_hours" {
		t.Fatalf("expected quiet_hours code, got %q", errs.CodeOf(err))
	}
}

func TestResolve_OutsideQuietHoursAllowed(t *testing.T) {
	r := newTestResolver(t)

	now := time.Now().UTC()
	// a one-hour window that already closed two hours ago never suppresses now
	start := now.Add(-3 * time.Hour)
	end := now.Add(-2 * time.Hour)

	if err := r.Upsert(&model.UserPreference{
		UserID:          "user-1",
		Channel:         model.ChannelPush,
		Enabled:         true,
		Handle:          "device-1",
		QuietHoursStart: start.Format("15:04"),
		QuietHoursEnd:   end.Format("15:04"),
		Timezone:        "UTC",
	}); err != nil {
		t.Fatalf("upsert preference: %v", err)
	}

	decision, err := r.Resolve("user-1", model.ChannelPush, "job_alert")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("expected outside-quiet-hours resolve to allow")
	}
}

func TestInQuietHours_WrapsMidnight(t *testing.T) {
	pref := &model.UserPreference{QuietHoursStart: "22:00", QuietHoursEnd: "08:00", Timezone: "UTC"}

	inside := time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC)
	if !inQuietHours(pref, inside) {
		t.Fatal("expected 23:30 to fall within a 22:00-08:00 window")
	}

	outside := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if inQuietHours(pref, outside) {
		t.Fatal("expected noon to fall outside a 22:00-08:00 window")
	}
}

func TestInQuietHours_MalformedWindowNeverSuppresses(t *testing.T) {
	pref := &model.UserPreference{QuietHoursStart: "not-a-time", QuietHoursEnd: "08:00", Timezone: "UTC"}
	if inQuietHours(pref, time.Now()) {
		t.Fatal("expected a malformed quiet-hours window to never suppress")
	}
}

func TestInvalidate_ClearsCachedDecision(t *testing.T) {
	r := newTestResolver(t)

	if err := r.Upsert(&model.UserPreference{
		UserID: "user-1", Channel: model.ChannelEmail, Enabled: true, Handle: "user@example.com",
	}); err != nil {
		t.Fatalf("upsert preference: %v", err)
	}

	if _, err := r.Resolve("user-1", model.ChannelEmail, "job_alert"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if err := r.Suppress("user-1", model.ChannelEmail, "changed mind"); err != nil {
		t.Fatalf("suppress: %v", err)
	}

	_, err := r.Resolve("user-1", model.ChannelEmail, "job_alert")
	if errs.KindOf(err) != errs.Suppressed {
		t.Fatalf("expected suppression to take effect immediately after invalidation, got %v", err)
	}
}
