package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/famulus-ai/famulus/pkg/models"
)

// SaveSkill upserts a skill manifest.
func (s *SQLite) SaveSkill(ctx context.Context, skill *models.Skill) error {
	now := s.now()
	if skill.CreatedAt.IsZero() {
		skill.CreatedAt = now
	}
	skill.UpdatedAt = now
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO skills (name, domain, description, manifest, usage_count, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET
			   domain = excluded.domain,
			   description = excluded.description,
			   manifest = excluded.manifest,
			   updated_at = excluded.updated_at`,
			skill.Name, skill.Domain, skill.Description, skill.Manifest,
			skill.UsageCount, fmtTime(skill.CreatedAt), fmtTime(skill.UpdatedAt))
		return classify("save skill", err)
	})
}

// ListSkills returns all skills ordered by name.
func (s *SQLite) ListSkills(ctx context.Context) ([]*models.Skill, error) {
	return s.querySkills(ctx, `SELECT name, domain, description, manifest, usage_count, created_at, updated_at
		FROM skills ORDER BY name`)
}

// FindSkillsByDomain returns skills for one domain.
func (s *SQLite) FindSkillsByDomain(ctx context.Context, domain string) ([]*models.Skill, error) {
	return s.querySkills(ctx, `SELECT name, domain, description, manifest, usage_count, created_at, updated_at
		FROM skills WHERE domain = ? ORDER BY name`, domain)
}

func (s *SQLite) querySkills(ctx context.Context, query string, args ...any) ([]*models.Skill, error) {
	var out []*models.Skill
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return classify("query skills", err)
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var sk models.Skill
			var created, updated string
			if err := rows.Scan(&sk.Name, &sk.Domain, &sk.Description, &sk.Manifest,
				&sk.UsageCount, &created, &updated); err != nil {
				return &PermanentError{Op: "scan skill", Err: err}
			}
			sk.CreatedAt, sk.UpdatedAt = parseTime(created), parseTime(updated)
			out = append(out, &sk)
		}
		return classify("query skills", rows.Err())
	})
	return out, err
}

// IncrementSkillUsage bumps the usage counter for a skill.
func (s *SQLite) IncrementSkillUsage(ctx context.Context, name string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE skills SET usage_count = usage_count + 1, updated_at = ? WHERE name = ?`,
			fmtTime(s.now()), name)
		return classify("increment skill usage", err)
	})
}

// DeleteSkill removes a skill.
func (s *SQLite) DeleteSkill(ctx context.Context, name string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM skills WHERE name = ?`, name)
		return classify("delete skill", err)
	})
}

// CreateTask inserts a new background task record.
func (s *SQLite) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO tasks (id, type, payload, status, result, error, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID, task.Type, string(task.Payload), string(task.Status),
			task.Result, task.Error, fmtTime(task.CreatedAt), fmtTime(task.UpdatedAt))
		return classify("create task", err)
	})
}

// UpdateTask persists status, result, and error. Terminal statuses are
// never overwritten.
func (s *SQLite) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = s.now()
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, result = ?, error = ?, updated_at = ?
			 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
			string(task.Status), task.Result, task.Error, fmtTime(task.UpdatedAt), task.ID)
		return classify("update task", err)
	})
}

// ListTasks returns the most recent tasks.
func (s *SQLite) ListTasks(ctx context.Context, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*models.Task
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, type, payload, status, result, error, created_at, updated_at
			 FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
		if err != nil {
			return classify("list tasks", err)
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var t models.Task
			var payload, status, created, updated string
			if err := rows.Scan(&t.ID, &t.Type, &payload, &status, &t.Result, &t.Error, &created, &updated); err != nil {
				return &PermanentError{Op: "scan task", Err: err}
			}
			t.Payload = json.RawMessage(payload)
			t.Status = models.TaskStatus(status)
			t.CreatedAt, t.UpdatedAt = parseTime(created), parseTime(updated)
			out = append(out, &t)
		}
		return classify("list tasks", rows.Err())
	})
	return out, err
}

// UpsertWorkItem writes the durable mirror of a work registry item.
func (s *SQLite) UpsertWorkItem(ctx context.Context, item *models.WorkItem) error {
	now := s.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	var meta any
	if len(item.Metadata) > 0 {
		raw, err := json.Marshal(item.Metadata)
		if err != nil {
			return &PermanentError{Op: "encode work metadata", Err: err}
		}
		meta = string(raw)
	}
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO work_items (id, kind, title, status, parent_id, conversation_id, metadata, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   title = excluded.title,
			   status = excluded.status,
			   metadata = excluded.metadata,
			   updated_at = excluded.updated_at`,
			item.ID, string(item.Kind), item.Title, string(item.Status),
			item.ParentID, item.ConversationID, meta,
			fmtTime(item.CreatedAt), fmtTime(item.UpdatedAt))
		return classify("upsert work item", err)
	})
}

// UpdateWorkItemStatus updates the mirrored status. A row already in a
// terminal status is left untouched.
func (s *SQLite) UpdateWorkItemStatus(ctx context.Context, id string, status models.WorkStatus) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE work_items SET status = ?, updated_at = ?
			 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
			string(status), fmtTime(s.now()), id)
		return classify("update work item status", err)
	})
}

// ListWorkItems returns mirrored work items, newest first, optionally
// filtered by kind.
func (s *SQLite) ListWorkItems(ctx context.Context, kind models.WorkKind, limit int) ([]*models.WorkItem, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, kind, title, status, parent_id, conversation_id, metadata, created_at, updated_at
		FROM work_items`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	var out []*models.WorkItem
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return classify("list work items", err)
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var it models.WorkItem
			var kind, status, created, updated string
			var meta sql.NullString
			if err := rows.Scan(&it.ID, &kind, &it.Title, &status, &it.ParentID,
				&it.ConversationID, &meta, &created, &updated); err != nil {
				return &PermanentError{Op: "scan work item", Err: err}
			}
			it.Kind = models.WorkKind(kind)
			it.Status = models.WorkStatus(status)
			it.CreatedAt, it.UpdatedAt = parseTime(created), parseTime(updated)
			if meta.Valid && meta.String != "" {
				if err := json.Unmarshal([]byte(meta.String), &it.Metadata); err != nil {
					return &PermanentError{Op: "decode work metadata", Err: err}
				}
			}
			out = append(out, &it)
		}
		return classify("list work items", rows.Err())
	})
	return out, err
}

// RecordToolCall appends an entry to the tool audit log.
func (s *SQLite) RecordToolCall(ctx context.Context, rec *models.ToolCallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CalledAt.IsZero() {
		rec.CalledAt = s.now()
	}
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO tool_calls (id, tool_name, plugin, duration_ms, success, error, called_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.ToolName, rec.Plugin, rec.Duration.Milliseconds(),
			boolToInt(rec.Success), rec.Error, fmtTime(rec.CalledAt))
		return classify("record tool call", err)
	})
}

// ListToolCalls returns the newest audit entries.
func (s *SQLite) ListToolCalls(ctx context.Context, limit int) ([]*models.ToolCallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*models.ToolCallRecord
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, tool_name, plugin, duration_ms, success, error, called_at
			 FROM tool_calls ORDER BY called_at DESC LIMIT ?`, limit)
		if err != nil {
			return classify("list tool calls", err)
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var rec models.ToolCallRecord
			var durationMS int64
			var success int
			var called string
			if err := rows.Scan(&rec.ID, &rec.ToolName, &rec.Plugin, &durationMS,
				&success, &rec.Error, &called); err != nil {
				return &PermanentError{Op: "scan tool call", Err: err}
			}
			rec.Duration = time.Duration(durationMS) * time.Millisecond
			rec.Success = success != 0
			rec.CalledAt = parseTime(called)
			out = append(out, &rec)
		}
		return classify("list tool calls", rows.Err())
	})
	return out, err
}

// RecordUsage appends a per-turn token usage row.
func (s *SQLite) RecordUsage(ctx context.Context, modelTag string, tokensIn, tokensOut int) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO usage (model_tag, tokens_in, tokens_out, recorded_at) VALUES (?, ?, ?, ?)`,
			modelTag, tokensIn, tokensOut, fmtTime(s.now()))
		return classify("record usage", err)
	})
}

// UsageByModel aggregates token usage per model since a point in time.
func (s *SQLite) UsageByModel(ctx context.Context, since time.Time) ([]models.UsageStat, error) {
	var out []models.UsageStat
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT model_tag, COUNT(*), SUM(tokens_in), SUM(tokens_out)
			 FROM usage WHERE recorded_at >= ? GROUP BY model_tag ORDER BY model_tag`,
			fmtTime(since))
		if err != nil {
			return classify("usage by model", err)
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var u models.UsageStat
			if err := rows.Scan(&u.ModelTag, &u.Turns, &u.TokensIn, &u.TokensOut); err != nil {
				return &PermanentError{Op: "scan usage", Err: err}
			}
			out = append(out, u)
		}
		return classify("usage by model", rows.Err())
	})
	return out, err
}

// GetSetting reads one setting value.
func (s *SQLite) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := withRetry(ctx, func() error {
		err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return classify("get setting", err)
	})
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSetting upserts one setting value.
func (s *SQLite) SetSetting(ctx context.Context, key, value string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return classify("set setting", err)
	})
}

// SetSettings applies all pairs in a single transaction.
func (s *SQLite) SetSettings(ctx context.Context, values map[string]string) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify("set settings", err)
		}
		defer tx.Rollback()
		for key, value := range values {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO settings (key, value) VALUES (?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
				return classify("set settings", err)
			}
		}
		return classify("set settings", tx.Commit())
	})
}

// ListSettings returns all settings.
func (s *SQLite) ListSettings(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
		if err != nil {
			return classify("list settings", err)
		}
		defer rows.Close()
		clear(out)
		for rows.Next() {
			var k, v string
			if err := rows.Scan(&k, &v); err != nil {
				return &PermanentError{Op: "scan setting", Err: err}
			}
			out[k] = v
		}
		return classify("list settings", rows.Err())
	})
	return out, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
