package templates

import (
	"os"
	"testing"

	"notifyhub/internal/config"
	"notifyhub/internal/errs"
	"notifyhub/internal/model"
	"notifyhub/internal/store"
)

func newTestRenderer(t *testing.T) (*Renderer, *store.TemplateRepo) {
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

	repo := store.NewTemplateRepo(s)
	return NewRenderer(repo), repo
}

func TestRender_SubstitutesKnownVariables(t *testing.T) {
	r, repo := newTestRenderer(t)
	if err := repo.Upsert(&model.Template{
		ID: "welcome", Channel: model.ChannelEmail, Active: true,
		Subject: "Hi {{name}}", HTML: "<p>Welcome, {{name}}!</p>", Text: "Welcome, {{name}}!",
	}); err != nil {
		t.Fatalf("upsert template: %v", err)
	}

	rendered, err := r.Render("welcome", model.ChannelEmail, map[string]interface{}{"name": "Ada"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if rendered.Subject != "Hi Ada" {
		t.Fatalf("expected subject %q, got %q", "Hi Ada", rendered.Subject)
	}
	if rendered.Text != "Welcome, Ada!" {
		t.Fatalf("expected text %q, got %q", "Welcome, Ada!", rendered.Text)
	}
}

func TestRender_UnknownVariableSubstitutesEmpty(t *testing.T) {
	r, repo := newTestRenderer(t)
	if err := repo.Upsert(&model.Template{
		ID: "welcome", Channel: model.ChannelEmail, Active: true, Text: "Hi {{name}}, code {{otp}}",
	}); err != nil {
		t.Fatalf("upsert template: %v", err)
	}

	rendered, err := r.Render("welcome", model.ChannelEmail, map[string]interface{}{"name": "Ada"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if rendered.Text != "Hi Ada, code " {
		t.Fatalf("expected missing variable to substitute empty, got %q", rendered.Text)
	}
}

func TestRender_UnknownTemplateErrors(t *testing.T) {
	r, _ := newTestRenderer(t)

	_, err := r.Render("missing", model.ChannelEmail, nil)
	if errs.KindOf(err) != errs.TemplateNotFound {
		t.Fatalf("expected TemplateNotFound, got %v", err)
	}
}

func TestRender_InactiveTemplateErrors(t *testing.T) {
	r, repo := newTestRenderer(t)
	if err := repo.Upsert(&model.Template{ID: "retired", Channel: model.ChannelSMS, Active: false, Text: "bye"}); err != nil {
		t.Fatalf("upsert template: %v", err)
	}

	_, err := r.Render("retired", model.ChannelSMS, nil)
	if errs.KindOf(err) != errs.TemplateInactive {
		t.Fatalf("expected TemplateInactive, got %v", err)
	}
}

func TestRender_InvalidateForcesFreshLookup(t *testing.T) {
	r, repo := newTestRenderer(t)
	if err := repo.Upsert(&model.Template{ID: "cached", Channel: model.ChannelPush, Active: true, Text: "hi {{name}}"}); err != nil {
		t.Fatalf("upsert template: %v", err)
	}

	if _, err := r.Render("cached", model.ChannelPush, map[string]interface{}{"name": "Ada"}); err != nil {
		t.Fatalf("first render: %v", err)
	}

	// Invalidate should force a fresh DB lookup instead of serving the
	// now-stale cached copy - upsert changes the body but not the cache.
	if err := repo.Upsert(&model.Template{ID: "cached", Channel: model.ChannelPush, Active: true, Text: "bye {{name}}"}); err != nil {
		t.Fatalf("re-upsert template: %v", err)
	}
	r.Invalidate("cached", model.ChannelPush)

	rendered, err := r.Render("cached", model.ChannelPush, map[string]interface{}{"name": "Ada"})
	if err != nil {
		t.Fatalf("second render: %v", err)
	}
	if rendered.Text != "bye Ada" {
		t.Fatalf("expected invalidated cache to pick up the new body, got %q", rendered.Text)
	}
}
