package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"notifyhub/internal/model"
)

// TemplateRepo persists per (id, channel) message templates. The
// renderer layers an in-memory TTL cache in front of this repo so a
// hot template isn't round-tripped to the database on every send.
type TemplateRepo struct {
	db      *sql.DB
	dialect string
}

func NewTemplateRepo(s *Store) *TemplateRepo {
	return &TemplateRepo{db: s.DB, dialect: s.Dialect}
}

func (r *TemplateRepo) Get(id string, channel model.Channel) (*model.Template, error) {
	row := r.db.QueryRow(`SELECT id, channel, subject, html, text, push_title, var_whitelist_json, active
		FROM templates WHERE id = ? AND channel = ?`, id, string(channel))

	var t model.Template
	var chStr string
	var whitelistJSON sql.NullString
	if err := row.Scan(&t.ID, &chStr, &t.Subject, &t.HTML, &t.Text, &t.PushTitle, &whitelistJSON, &t.Active); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get template %s/%s: %w", id, channel, err)
	}
	t.Channel = model.Channel(chStr)
	if whitelistJSON.Valid && whitelistJSON.String != "" {
		_ = json.Unmarshal([]byte(whitelistJSON.String), &t.VarWhitelist)
	}
	return &t, nil
}

func (r *TemplateRepo) Upsert(t *model.Template) error {
	whitelist, err := json.Marshal(t.VarWhitelist)
	if err != nil {
		return fmt.Errorf("store: marshal var whitelist: %w", err)
	}

	if r.dialect == "mysql" {
		_, err = r.db.Exec(`INSERT INTO templates (id, channel, subject, html, text, push_title, var_whitelist_json, active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE subject=VALUES(subject), html=VALUES(html), text=VALUES(text),
			push_title=VALUES(push_title), var_whitelist_json=VALUES(var_whitelist_json), active=VALUES(active)`,
			t.ID, string(t.Channel), t.Subject, t.HTML, t.Text, t.PushTitle, string(whitelist), t.Active)
	} else {
		_, err = r.db.Exec(`INSERT INTO templates (id, channel, subject, html, text, push_title, var_whitelist_json, active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id, channel) DO UPDATE SET subject=excluded.subject, html=excluded.html, text=excluded.text,
			push_title=excluded.push_title, var_whitelist_json=excluded.var_whitelist_json, active=excluded.active`,
			t.ID, string(t.Channel), t.Subject, t.HTML, t.Text, t.PushTitle, string(whitelist), t.Active)
	}
	if err != nil {
		return fmt.Errorf("store: upsert template %s/%s: %w", t.ID, t.Channel, err)
	}
	return nil
}
