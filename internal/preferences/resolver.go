// Package preferences resolves whether a given (user, channel,
// notification type) should be delivered: an explicit suppression
// list takes precedence over everything, then a per-type override,
// then the per-channel enabled flag. A user with no stored preference
// for the channel is allowed; the stored opt_in flag is not consulted.
//
// Cached the same way kolajAi/internal/database/cache.go wraps
// FindByID, with a shorter 30-minute TTL since preferences change far
// more often than templates.
package preferences

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"notifyhub/internal/errs"
	"notifyhub/internal/model"
	"notifyhub/internal/store"
)

const (
	cacheTTL     = 30 * time.Minute
	cacheCleanup = 5 * time.Minute
)

type Resolver struct {
	prefs        *store.UserPreferenceRepo
	suppressions *store.SuppressionRepo
	cache        *cache.Cache
}

func NewResolver(prefs *store.UserPreferenceRepo, suppressions *store.SuppressionRepo) *Resolver {
	return &Resolver{
		prefs:        prefs,
		suppressions: suppressions,
		cache:        cache.New(cacheTTL, cacheCleanup),
	}
}

// Decision is the outcome of resolving a user's preference for one
// channel and notification type.
type Decision struct {
	Allowed bool
	Handle  string // resolved delivery address/token key, when applicable
}

// Resolve decides whether notificationType may be delivered to userID
// over channel. Suppression always wins; absent any stored preference
// the channel defaults to allowed (opt-out model) except where the
// channel requires explicit opt-in (push requires a registered device,
// handled by the push adapter itself, not here).
func (r *Resolver) Resolve(userID string, channel model.Channel, notificationType string) (*Decision, error) {
	suppressed, err := r.suppressedCached(userID, channel)
	if err != nil {
		return nil, err
	}
	if suppressed {
		return nil, errs.New(errs.Suppressed, fmt.Sprintf("%s has opted out of %s", userID, channel))
	}

	pref, err := r.prefCached(userID, channel)
	if err != nil {
		return nil, err
	}
	if pref == nil {
		return &Decision{Allowed: true}, nil
	}

	if inQuietHours(pref, time.Now()) {
		return nil, errs.New(errs.Suppressed, fmt.Sprintf("%s is within %s's quiet hours", channel, userID)).WithCode("quiet_hours")
	}

	if override, ok := pref.TypeOverrides[notificationType]; ok {
		return &Decision{Allowed: override, Handle: pref.Handle}, nil
	}
	return &Decision{Allowed: pref.Enabled, Handle: pref.Handle}, nil
}

// inQuietHours reports whether now falls inside pref's quiet window,
// an enrichment the teacher's UserPreference.QuietHours models beyond
// spec.md's minimal preference shape. A malformed or absent window
// never suppresses - quiet hours are opt-in, not a default deny.
func inQuietHours(pref *model.UserPreference, now time.Time) bool {
	if pref.QuietHoursStart == "" || pref.QuietHoursEnd == "" {
		return false
	}
	loc := time.UTC
	if pref.Timezone != "" {
		if l, err := time.LoadLocation(pref.Timezone); err == nil {
			loc = l
		}
	}
	start, err := time.ParseInLocation("15:04", pref.QuietHoursStart, loc)
	if err != nil {
		return false
	}
	end, err := time.ParseInLocation("15:04", pref.QuietHoursEnd, loc)
	if err != nil {
		return false
	}

	local := now.In(loc)
	nowMinutes := local.Hour()*60 + local.Minute()
	startMinutes := start.Hour()*60 + start.Minute()
	endMinutes := end.Hour()*60 + end.Minute()

	if startMinutes == endMinutes {
		return false
	}
	if startMinutes < endMinutes {
		return nowMinutes >= startMinutes && nowMinutes < endMinutes
	}
	// window wraps midnight, e.g. 22:00 -> 08:00
	return nowMinutes >= startMinutes || nowMinutes < endMinutes
}

func (r *Resolver) prefCached(userID string, channel model.Channel) (*model.UserPreference, error) {
	key := "pref:" + userID + ":" + string(channel)
	if cached, found := r.cache.Get(key); found {
		pref, _ := cached.(*model.UserPreference)
		return pref, nil
	}
	pref, err := r.prefs.Get(userID, channel)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "preference lookup failed")
	}
	r.cache.Set(key, pref, cache.DefaultExpiration)
	return pref, nil
}

// IsSuppressed reports whether userID has opted out of channel
// channel-wide, independent of the fuller Resolve (which also weighs
// quiet hours and per-type overrides). Channel adapters call this
// directly before dialing out, since a bounce recorded after a job is
// already queued can suppress a recipient the orchestrator's earlier
// Resolve call never saw.
func (r *Resolver) IsSuppressed(userID string, channel model.Channel) (bool, error) {
	return r.suppressedCached(userID, channel)
}

func (r *Resolver) suppressedCached(userID string, channel model.Channel) (bool, error) {
	key := "supp:" + userID + ":" + string(channel)
	if cached, found := r.cache.Get(key); found {
		return cached.(bool), nil
	}
	suppressed, err := r.suppressions.IsSuppressed(userID, channel)
	if err != nil {
		return false, errs.Wrap(errs.Internal, err, "suppression lookup failed")
	}
	r.cache.Set(key, suppressed, cache.DefaultExpiration)
	return suppressed, nil
}

// Invalidate evicts both caches for (userID, channel); callers must
// invoke it on any preference/suppression mutation.
func (r *Resolver) Invalidate(userID string, channel model.Channel) {
	r.cache.Delete("pref:" + userID + ":" + string(channel))
	r.cache.Delete("supp:" + userID + ":" + string(channel))
}

// Upsert writes a preference and invalidates its cache entry.
func (r *Resolver) Upsert(pref *model.UserPreference) error {
	if err := r.prefs.Upsert(pref); err != nil {
		return errs.Wrap(errs.Internal, err, "preference upsert failed")
	}
	r.Invalidate(pref.UserID, pref.Channel)
	return nil
}

// Suppress adds a channel-wide opt-out and invalidates its cache entry.
func (r *Resolver) Suppress(userID string, channel model.Channel, reason string) error {
	if err := r.suppressions.Add(userID, channel, reason); err != nil {
		return errs.Wrap(errs.Internal, err, "suppress failed")
	}
	r.Invalidate(userID, channel)
	return nil
}

// Unsuppress removes a channel-wide opt-out and invalidates its cache entry.
func (r *Resolver) Unsuppress(userID string, channel model.Channel) error {
	if err := r.suppressions.Remove(userID, channel); err != nil {
		return errs.Wrap(errs.Internal, err, "unsuppress failed")
	}
	r.Invalidate(userID, channel)
	return nil
}
