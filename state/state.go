// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state is the relational metadata layer: tyne records,
// sharing, secrets, events, API keys and the tick schedule, backed by
// SQLite.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
)

var logger = loggo.GetLogger("neptyne.state")

// State exposes the metadata database.
type State struct {
	db *sqlair.DB
}

// NewState wraps the database, creating the schema if missing.
func NewState(sqlDB *sql.DB) (*State, error) {
	if _, err := sqlDB.Exec(Schema()); err != nil {
		return nil, errors.Annotate(err, "creating schema")
	}
	return &State{db: sqlair.NewDB(sqlDB)}, nil
}

type tyneRow struct {
	FileName          string    `db:"file_name"`
	Name              string    `db:"name"`
	OwnerID           string    `db:"owner_id"`
	Version           int       `db:"version"`
	Published         bool      `db:"published"`
	Properties        string    `db:"properties"`
	Environment       string    `db:"environment"`
	NextTick          int64     `db:"next_tick"`
	HasTick           bool      `db:"has_tick"`
	RequiresRecompile bool      `db:"requires_recompile"`
	Created           time.Time `db:"created"`
	LastModified      time.Time `db:"last_modified"`
}

func (r tyneRow) metadata() (tyne.Metadata, error) {
	md := tyne.Metadata{
		ID:                tyne.ID(r.FileName),
		Name:              r.Name,
		OwnerID:           r.OwnerID,
		Version:           r.Version,
		Published:         r.Published,
		NextTick:          r.NextTick,
		HasTick:           r.HasTick,
		RequiresRecompile: r.RequiresRecompile,
		Created:           r.Created,
		LastModified:      r.LastModified,
	}
	if r.Properties != "" && r.Properties != "{}" {
		if err := json.Unmarshal([]byte(r.Properties), &md.Properties); err != nil {
			return tyne.Metadata{}, errors.Annotatef(err, "properties of %s", r.FileName)
		}
	}
	if r.Environment != "" && r.Environment != "{}" {
		if err := json.Unmarshal([]byte(r.Environment), &md.Environment); err != nil {
			return tyne.Metadata{}, errors.Annotatef(err, "environment of %s", r.FileName)
		}
	}
	return md, nil
}

func rowFromMetadata(md tyne.Metadata) (tyneRow, error) {
	props, err := json.Marshal(orEmpty(md.Properties))
	if err != nil {
		return tyneRow{}, errors.Trace(err)
	}
	env, err := json.Marshal(orEmptyStr(md.Environment))
	if err != nil {
		return tyneRow{}, errors.Trace(err)
	}
	return tyneRow{
		FileName:          string(md.ID),
		Name:              md.Name,
		OwnerID:           md.OwnerID,
		Version:           md.Version,
		Published:         md.Published,
		Properties:        string(props),
		Environment:       string(env),
		NextTick:          md.NextTick,
		HasTick:           md.HasTick,
		RequiresRecompile: md.RequiresRecompile,
		Created:           md.Created,
		LastModified:      md.LastModified,
	}, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyStr(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// CreateTyne inserts a new tyne record.
func (s *State) CreateTyne(ctx context.Context, md tyne.Metadata) error {
	if err := md.ID.Validate(); err != nil {
		return errors.Trace(err)
	}
	row, err := rowFromMetadata(md)
	if err != nil {
		return errors.Trace(err)
	}
	stmt, err := sqlair.Prepare(`
INSERT INTO tyne (file_name, name, owner_id, version, published,
                  properties, environment, next_tick, has_tick,
                  requires_recompile, created, last_modified)
VALUES ($tyneRow.file_name, $tyneRow.name, $tyneRow.owner_id,
        $tyneRow.version, $tyneRow.published, $tyneRow.properties,
        $tyneRow.environment, $tyneRow.next_tick, $tyneRow.has_tick,
        $tyneRow.requires_recompile, $tyneRow.created,
        $tyneRow.last_modified)`, tyneRow{})
	if err != nil {
		return errors.Trace(err)
	}
	if err := s.db.Query(ctx, stmt, row).Run(); err != nil {
		return errors.Annotatef(err, "creating tyne %s", md.ID)
	}
	return nil
}

// GetTyne fetches one tyne record.
func (s *State) GetTyne(ctx context.Context, id tyne.ID) (tyne.Metadata, error) {
	stmt, err := sqlair.Prepare(`
SELECT &tyneRow.* FROM tyne WHERE file_name = $tyneRow.file_name`, tyneRow{})
	if err != nil {
		return tyne.Metadata{}, errors.Trace(err)
	}
	var row tyneRow
	err = s.db.Query(ctx, stmt, tyneRow{FileName: string(id)}).Get(&row)
	if errors.Is(err, sqlair.ErrNoRows) {
		return tyne.Metadata{}, errors.NotFoundf("tyne %s", id)
	}
	if err != nil {
		return tyne.Metadata{}, errors.Trace(err)
	}
	return row.metadata()
}

// UpdateTyne rewrites the mutable fields of a tyne record.
func (s *State) UpdateTyne(ctx context.Context, md tyne.Metadata) error {
	row, err := rowFromMetadata(md)
	if err != nil {
		return errors.Trace(err)
	}
	stmt, err := sqlair.Prepare(`
UPDATE tyne
SET name = $tyneRow.name,
    version = $tyneRow.version,
    published = $tyneRow.published,
    properties = $tyneRow.properties,
    environment = $tyneRow.environment,
    next_tick = $tyneRow.next_tick,
    has_tick = $tyneRow.has_tick,
    requires_recompile = $tyneRow.requires_recompile,
    last_modified = $tyneRow.last_modified
WHERE file_name = $tyneRow.file_name`, tyneRow{})
	if err != nil {
		return errors.Trace(err)
	}
	var outcome sqlair.Outcome
	if err := s.db.Query(ctx, stmt, row).Get(&outcome); err != nil {
		return errors.Annotatef(err, "updating tyne %s", md.ID)
	}
	if n, _ := outcome.Result().RowsAffected(); n == 0 {
		return errors.NotFoundf("tyne %s", md.ID)
	}
	return nil
}

// DeleteTyne removes the record; dependent rows cascade.
func (s *State) DeleteTyne(ctx context.Context, id tyne.ID) error {
	stmt, err := sqlair.Prepare(`
DELETE FROM tyne WHERE file_name = $tyneRow.file_name`, tyneRow{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(
		s.db.Query(ctx, stmt, tyneRow{FileName: string(id)}).Run(),
		"deleting tyne %s", id)
}

// ListTynesForUser returns every tyne the user owns or was shared.
func (s *State) ListTynesForUser(ctx context.Context, email string) ([]tyne.Metadata, error) {
	stmt, err := sqlair.Prepare(`
SELECT DISTINCT tyne.* AS &tyneRow.*
FROM tyne
LEFT JOIN tyne_share ON tyne_share.file_name = tyne.file_name
WHERE tyne.owner_id = $shareRow.user_email
   OR tyne_share.user_email = $shareRow.user_email
ORDER BY tyne.last_modified DESC`, tyneRow{}, shareRow{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []tyneRow
	err = s.db.Query(ctx, stmt, shareRow{UserEmail: email}).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := make([]tyne.Metadata, 0, len(rows))
	for _, row := range rows {
		md, err := row.metadata()
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, md)
	}
	return out, nil
}

// tickWindow is how far ahead the tick scanner looks; a tyne whose
// next tick lands inside the window is started now rather than missed
// by scan-interval jitter.
const tickWindow = 120

// TynesDueTick returns the tynes whose next tick falls before
// now+window. Zero next_tick means no schedule.
func (s *State) TynesDueTick(ctx context.Context, now time.Time) ([]tyne.ID, error) {
	type dueArgs struct {
		Cutoff int64 `db:"cutoff"`
	}
	stmt, err := sqlair.Prepare(`
SELECT &tyneRow.file_name
FROM tyne
WHERE next_tick > 0 AND next_tick < $dueArgs.cutoff
ORDER BY next_tick`, tyneRow{}, dueArgs{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []tyneRow
	err = s.db.Query(ctx, stmt, dueArgs{Cutoff: now.Unix() + tickWindow}).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := make([]tyne.ID, len(rows))
	for i, row := range rows {
		out[i] = tyne.ID(row.FileName)
	}
	return out, nil
}

// SetNextTick updates the tick schedule for a tyne.
func (s *State) SetNextTick(ctx context.Context, id tyne.ID, next int64, hasTick bool) error {
	type tickArgs struct {
		FileName string `db:"file_name"`
		NextTick int64  `db:"next_tick"`
		HasTick  bool   `db:"has_tick"`
	}
	stmt, err := sqlair.Prepare(`
UPDATE tyne SET next_tick = $tickArgs.next_tick, has_tick = $tickArgs.has_tick
WHERE file_name = $tickArgs.file_name`, tickArgs{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(
		s.db.Query(ctx, stmt, tickArgs{FileName: string(id), NextTick: next, HasTick: hasTick}).Run(),
		"scheduling tick for %s", id)
}

type shareRow struct {
	FileName  string `db:"file_name"`
	UserEmail string `db:"user_email"`
	Role      string `db:"role"`
}

// SetShare grants or updates a user's role on a tyne.
func (s *State) SetShare(ctx context.Context, id tyne.ID, email, role string) error {
	stmt, err := sqlair.Prepare(`
INSERT INTO tyne_share (file_name, user_email, role)
VALUES ($shareRow.file_name, $shareRow.user_email, $shareRow.role)
ON CONFLICT (file_name, user_email) DO UPDATE SET role = excluded.role`, shareRow{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.db.Query(ctx, stmt, shareRow{
		FileName: string(id), UserEmail: email, Role: role,
	}).Run())
}

// Shares lists the sharing entries of a tyne.
func (s *State) Shares(ctx context.Context, id tyne.ID) (map[string]string, error) {
	stmt, err := sqlair.Prepare(`
SELECT &shareRow.* FROM tyne_share WHERE file_name = $shareRow.file_name`, shareRow{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []shareRow
	err = s.db.Query(ctx, stmt, shareRow{FileName: string(id)}).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.UserEmail] = row.Role
	}
	return out, nil
}

type secretRow struct {
	FileName string `db:"file_name"`
	Scope    string `db:"scope"`
	Key      string `db:"key"`
	Value    string `db:"value"`
}

// TyneScope is the shared secret scope; any other scope is a user
// email, and user values win on merge.
const TyneScope = "tyne"

// PutSecret stores one secret in the given scope.
func (s *State) PutSecret(ctx context.Context, id tyne.ID, scope, key, value string) error {
	stmt, err := sqlair.Prepare(`
INSERT INTO tyne_secret (file_name, scope, key, value)
VALUES ($secretRow.file_name, $secretRow.scope, $secretRow.key, $secretRow.value)
ON CONFLICT (file_name, scope, key) DO UPDATE SET value = excluded.value`, secretRow{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.db.Query(ctx, stmt, secretRow{
		FileName: string(id), Scope: scope, Key: key, Value: value,
	}).Run())
}

// ReplaceSecrets replaces every secret in one scope.
func (s *State) ReplaceSecrets(ctx context.Context, id tyne.ID, scope string, secrets tyne.Secrets) error {
	delStmt, err := sqlair.Prepare(`
DELETE FROM tyne_secret
WHERE file_name = $secretRow.file_name AND scope = $secretRow.scope`, secretRow{})
	if err != nil {
		return errors.Trace(err)
	}
	if err := s.db.Query(ctx, delStmt, secretRow{FileName: string(id), Scope: scope}).Run(); err != nil {
		return errors.Trace(err)
	}
	for key, value := range secrets {
		if err := s.PutSecret(ctx, id, scope, key, value); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// SecretsFor returns the tyne-scope secrets merged with the user's,
// the user's winning on collision.
func (s *State) SecretsFor(ctx context.Context, id tyne.ID, email string) (tyne.Secrets, error) {
	stmt, err := sqlair.Prepare(`
SELECT &secretRow.* FROM tyne_secret WHERE file_name = $secretRow.file_name`, secretRow{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []secretRow
	err = s.db.Query(ctx, stmt, secretRow{FileName: string(id)}).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return tyne.Secrets{}, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	shared := tyne.Secrets{}
	user := tyne.Secrets{}
	for _, row := range rows {
		switch row.Scope {
		case TyneScope:
			shared[row.Key] = row.Value
		case email:
			user[row.Key] = row.Value
		}
	}
	return shared.Merge(user), nil
}

type eventRow struct {
	FileName  string    `db:"file_name"`
	Severity  string    `db:"severity"`
	Message   string    `db:"message"`
	Extra     string    `db:"extra"`
	CreatedAt time.Time `db:"created_at"`
}

// AddEvent appends an event to the tyne's log.
func (s *State) AddEvent(ctx context.Context, id tyne.ID, ev tyne.Event) error {
	extra, err := json.Marshal(orEmpty(ev.Extra))
	if err != nil {
		return errors.Trace(err)
	}
	stmt, err := sqlair.Prepare(`
INSERT INTO tyne_event (file_name, severity, message, extra, created_at)
VALUES ($eventRow.file_name, $eventRow.severity, $eventRow.message,
        $eventRow.extra, $eventRow.created_at)`, eventRow{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.db.Query(ctx, stmt, eventRow{
		FileName:  string(id),
		Severity:  string(ev.Severity),
		Message:   ev.Message,
		Extra:     string(extra),
		CreatedAt: ev.CreatedAt,
	}).Run())
}

// Events returns the most recent events, newest first.
func (s *State) Events(ctx context.Context, id tyne.ID, limit int) ([]tyne.Event, error) {
	type limitArgs struct {
		FileName string `db:"file_name"`
		Limit    int    `db:"row_limit"`
	}
	stmt, err := sqlair.Prepare(`
SELECT &eventRow.*
FROM tyne_event
WHERE file_name = $limitArgs.file_name
ORDER BY id DESC
LIMIT $limitArgs.row_limit`, eventRow{}, limitArgs{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []eventRow
	err = s.db.Query(ctx, stmt, limitArgs{FileName: string(id), Limit: limit}).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := make([]tyne.Event, 0, len(rows))
	for _, row := range rows {
		ev := tyne.Event{
			Message:   row.Message,
			Severity:  tyne.Severity(row.Severity),
			CreatedAt: row.CreatedAt,
		}
		if row.Extra != "" && row.Extra != "{}" {
			if err := json.Unmarshal([]byte(row.Extra), &ev.Extra); err != nil {
				return nil, errors.Trace(err)
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

type apiKeyRow struct {
	Token    string    `db:"token"`
	FileName string    `db:"file_name"`
	Created  time.Time `db:"created"`
}

// CreateAPIKey mints and stores a key for the tyne.
func (s *State) CreateAPIKey(ctx context.Context, id tyne.ID, now time.Time) (tyne.APIKey, error) {
	key := tyne.NewAPIKey(id, now)
	stmt, err := sqlair.Prepare(`
INSERT INTO api_key (token, file_name, created)
VALUES ($apiKeyRow.token, $apiKeyRow.file_name, $apiKeyRow.created)`, apiKeyRow{})
	if err != nil {
		return tyne.APIKey{}, errors.Trace(err)
	}
	err = s.db.Query(ctx, stmt, apiKeyRow{
		Token: key.Token, FileName: string(id), Created: key.Created,
	}).Run()
	if err != nil {
		return tyne.APIKey{}, errors.Trace(err)
	}
	return key, nil
}

// ResolveAPIKey returns the tyne a key grants access to.
func (s *State) ResolveAPIKey(ctx context.Context, token string) (tyne.ID, error) {
	stmt, err := sqlair.Prepare(`
SELECT &apiKeyRow.* FROM api_key WHERE token = $apiKeyRow.token`, apiKeyRow{})
	if err != nil {
		return "", errors.Trace(err)
	}
	var row apiKeyRow
	err = s.db.Query(ctx, stmt, apiKeyRow{Token: token}).Get(&row)
	if errors.Is(err, sqlair.ErrNoRows) {
		return "", errors.NotFoundf("api key")
	}
	if err != nil {
		return "", errors.Trace(err)
	}
	return tyne.ID(row.FileName), nil
}

type quotaRow struct {
	Token       string `db:"token"`
	WindowStart int64  `db:"window_start"`
	Used        int    `db:"used"`
}

// ConsumeQuota counts one API call against the key within the window.
// It returns false once the limit is exhausted; the window resets when
// it rolls over.
func (s *State) ConsumeQuota(ctx context.Context, token string, now time.Time, window time.Duration, limit int) (bool, error) {
	getStmt, err := sqlair.Prepare(`
SELECT &quotaRow.* FROM api_quota WHERE token = $quotaRow.token`, quotaRow{})
	if err != nil {
		return false, errors.Trace(err)
	}
	var row quotaRow
	err = s.db.Query(ctx, getStmt, quotaRow{Token: token}).Get(&row)
	switch {
	case errors.Is(err, sqlair.ErrNoRows):
		row = quotaRow{Token: token, WindowStart: now.Unix()}
	case err != nil:
		return false, errors.Trace(err)
	}
	if now.Unix()-row.WindowStart >= int64(window/time.Second) {
		row.WindowStart = now.Unix()
		row.Used = 0
	}
	if row.Used >= limit {
		return false, nil
	}
	row.Used++
	putStmt, err := sqlair.Prepare(`
INSERT INTO api_quota (token, window_start, used)
VALUES ($quotaRow.token, $quotaRow.window_start, $quotaRow.used)
ON CONFLICT (token) DO UPDATE
SET window_start = excluded.window_start, used = excluded.used`, quotaRow{})
	if err != nil {
		return false, errors.Trace(err)
	}
	if err := s.db.Query(ctx, putStmt, row).Run(); err != nil {
		return false, errors.Trace(err)
	}
	return true, nil
}

type cacheRow struct {
	FileName  string `db:"file_name"`
	CacheKey  string `db:"cache_key"`
	Result    []byte `db:"result"`
	ExpiresAt int64  `db:"expires_at"`
}

// CachePut stores a function call result until expiry.
func (s *State) CachePut(ctx context.Context, id tyne.ID, key string, result []byte, expires time.Time) error {
	stmt, err := sqlair.Prepare(`
INSERT INTO function_call_cache (file_name, cache_key, result, expires_at)
VALUES ($cacheRow.file_name, $cacheRow.cache_key, $cacheRow.result, $cacheRow.expires_at)
ON CONFLICT (file_name, cache_key) DO UPDATE
SET result = excluded.result, expires_at = excluded.expires_at`, cacheRow{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.db.Query(ctx, stmt, cacheRow{
		FileName: string(id), CacheKey: key, Result: result, ExpiresAt: expires.Unix(),
	}).Run())
}

// CacheGet returns a cached result that has not expired.
func (s *State) CacheGet(ctx context.Context, id tyne.ID, key string, now time.Time) ([]byte, error) {
	stmt, err := sqlair.Prepare(`
SELECT &cacheRow.*
FROM function_call_cache
WHERE file_name = $cacheRow.file_name AND cache_key = $cacheRow.cache_key`, cacheRow{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var row cacheRow
	err = s.db.Query(ctx, stmt, cacheRow{FileName: string(id), CacheKey: key}).Get(&row)
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, errors.NotFoundf("cache entry")
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	if row.ExpiresAt <= now.Unix() {
		logger.Tracef("cache entry %s/%s expired", id, key)
		return nil, errors.NotFoundf("cache entry")
	}
	return row.Result, nil
}
