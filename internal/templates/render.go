// Package templates renders notification content for a channel from a
// stored Template and a caller-supplied variable map, caching hot
// templates the way kolajAi/internal/database/cache.go wraps
// FindByID with a patrickmn/go-cache layer.
package templates

import (
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"notifyhub/internal/errs"
	"notifyhub/internal/model"
	"notifyhub/internal/store"
)

const (
	cacheTTL        = time.Hour
	cacheCleanup    = 10 * time.Minute
)

// Renderer resolves and renders templates. Rendering is pure and
// deterministic: unknown variables substitute to an empty string
// rather than erroring, per the specification.
type Renderer struct {
	repo  *store.TemplateRepo
	cache *cache.Cache
}

func NewRenderer(repo *store.TemplateRepo) *Renderer {
	return &Renderer{
		repo:  repo,
		cache: cache.New(cacheTTL, cacheCleanup),
	}
}

// Rendered is the channel-agnostic output of rendering; callers
// project it into the appropriate model.ChannelPayload.
type Rendered struct {
	Subject   string
	HTML      string
	Text      string
	PushTitle string
}

// Render looks up the (templateID, channel) template, from the shared
// cache when present and from the repo otherwise, and substitutes
// variables into every text field.
func (r *Renderer) Render(templateID string, channel model.Channel, vars map[string]interface{}) (*Rendered, error) {
	tmpl, err := r.lookup(templateID, channel)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, errs.New(errs.TemplateNotFound, fmt.Sprintf("template %s/%s not found", templateID, channel))
	}
	if !tmpl.Active {
		return nil, errs.New(errs.TemplateInactive, fmt.Sprintf("template %s/%s is inactive", templateID, channel))
	}

	return &Rendered{
		Subject:   substitute(tmpl.Subject, vars),
		HTML:      substitute(tmpl.HTML, vars),
		Text:      substitute(tmpl.Text, vars),
		PushTitle: substitute(tmpl.PushTitle, vars),
	}, nil
}

func (r *Renderer) lookup(templateID string, channel model.Channel) (*model.Template, error) {
	key := cacheKey(templateID, channel)
	if cached, found := r.cache.Get(key); found {
		tmpl, _ := cached.(*model.Template)
		return tmpl, nil
	}

	tmpl, err := r.repo.Get(templateID, channel)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "template lookup failed")
	}
	if tmpl != nil {
		r.cache.Set(key, tmpl, cache.DefaultExpiration)
	}
	return tmpl, nil
}

// Invalidate evicts a template from the cache, used when an operator
// edits or deactivates it.
func (r *Renderer) Invalidate(templateID string, channel model.Channel) {
	r.cache.Delete(cacheKey(templateID, channel))
}

func cacheKey(templateID string, channel model.Channel) string {
	return string(channel) + ":" + templateID
}

// substitute replaces every {{name}} placeholder with its value from
// vars, stringified; unknown names become the empty string.
func substitute(body string, vars map[string]interface{}) string {
	if body == "" || !strings.Contains(body, "{{") {
		return body
	}
	var b strings.Builder
	i := 0
	for i < len(body) {
		start := strings.Index(body[i:], "{{")
		if start == -1 {
			b.WriteString(body[i:])
			break
		}
		start += i
		b.WriteString(body[i:start])

		end := strings.Index(body[start:], "}}")
		if end == -1 {
			b.WriteString(body[start:])
			break
		}
		end += start

		name := strings.TrimSpace(body[start+2 : end])
		if v, ok := vars[name]; ok {
			fmt.Fprintf(&b, "%v", v)
		}
		i = end + 2
	}
	return b.String()
}
