// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	_ "github.com/mattn/go-sqlite3"
	gc "gopkg.in/check.v1"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
	"github.com/ursgro/neptyne-spreadsheet-sub000/state"
)

type StateSuite struct {
	db *sql.DB
	st *state.State
}

var _ = gc.Suite(&StateSuite{})

const tyneID = tyne.ID("abcdef1234")

func (s *StateSuite) SetUpTest(c *gc.C) {
	db, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	c.Assert(err, jc.ErrorIsNil)
	// An in-memory database evaporates when its last connection does.
	db.SetMaxOpenConns(1)
	s.db = db
	st, err := state.NewState(db)
	c.Assert(err, jc.ErrorIsNil)
	s.st = st
}

func (s *StateSuite) TearDownTest(c *gc.C) {
	c.Assert(s.db.Close(), jc.ErrorIsNil)
}

func (s *StateSuite) metadata() tyne.Metadata {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return tyne.Metadata{
		ID:           tyneID,
		Name:         "portfolio tracker",
		OwnerID:      "ada@example.com",
		Version:      1,
		Properties:   map[string]any{"color_scheme": "dark"},
		Environment:  map[string]string{"TZ": "UTC"},
		Created:      now,
		LastModified: now,
	}
}

func (s *StateSuite) TestCreateGetRoundTrip(c *gc.C) {
	ctx := context.Background()
	md := s.metadata()
	c.Assert(s.st.CreateTyne(ctx, md), jc.ErrorIsNil)

	got, err := s.st.GetTyne(ctx, tyneID)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got.Name, gc.Equals, md.Name)
	c.Assert(got.OwnerID, gc.Equals, md.OwnerID)
	c.Assert(got.Properties, gc.DeepEquals, md.Properties)
	c.Assert(got.Environment, gc.DeepEquals, md.Environment)
}

func (s *StateSuite) TestGetMissing(c *gc.C) {
	_, err := s.st.GetTyne(context.Background(), "zzzzzzzzzz")
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *StateSuite) TestCreateRejectsBadID(c *gc.C) {
	md := s.metadata()
	md.ID = "BAD"
	c.Assert(s.st.CreateTyne(context.Background(), md), jc.ErrorIs, errors.NotValid)
}

func (s *StateSuite) TestUpdate(c *gc.C) {
	ctx := context.Background()
	md := s.metadata()
	c.Assert(s.st.CreateTyne(ctx, md), jc.ErrorIsNil)

	md.Name = "renamed"
	md.Version = 2
	md.RequiresRecompile = true
	c.Assert(s.st.UpdateTyne(ctx, md), jc.ErrorIsNil)

	got, err := s.st.GetTyne(ctx, tyneID)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got.Name, gc.Equals, "renamed")
	c.Assert(got.Version, gc.Equals, 2)
	c.Assert(got.RequiresRecompile, jc.IsTrue)
}

func (s *StateSuite) TestUpdateMissing(c *gc.C) {
	md := s.metadata()
	md.ID = "zzzzzzzzzz"
	c.Assert(s.st.UpdateTyne(context.Background(), md), jc.ErrorIs, errors.NotFound)
}

func (s *StateSuite) TestListTynesForUser(c *gc.C) {
	ctx := context.Background()
	c.Assert(s.st.CreateTyne(ctx, s.metadata()), jc.ErrorIsNil)

	other := s.metadata()
	other.ID = "bbbbbbbbbb"
	other.OwnerID = "bob@example.com"
	c.Assert(s.st.CreateTyne(ctx, other), jc.ErrorIsNil)
	c.Assert(s.st.SetShare(ctx, other.ID, "ada@example.com", "editor"), jc.ErrorIsNil)

	got, err := s.st.ListTynesForUser(ctx, "ada@example.com")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got, gc.HasLen, 2)

	got, err = s.st.ListTynesForUser(ctx, "bob@example.com")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got, gc.HasLen, 1)
}

func (s *StateSuite) TestTickSchedule(c *gc.C) {
	ctx := context.Background()
	c.Assert(s.st.CreateTyne(ctx, s.metadata()), jc.ErrorIsNil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Due inside the scan window.
	c.Assert(s.st.SetNextTick(ctx, tyneID, now.Unix()+60, true), jc.ErrorIsNil)
	due, err := s.st.TynesDueTick(ctx, now)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(due, gc.DeepEquals, []tyne.ID{tyneID})

	// Too far out.
	c.Assert(s.st.SetNextTick(ctx, tyneID, now.Unix()+600, true), jc.ErrorIsNil)
	due, err = s.st.TynesDueTick(ctx, now)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(due, gc.HasLen, 0)

	// Cleared.
	c.Assert(s.st.SetNextTick(ctx, tyneID, 0, false), jc.ErrorIsNil)
	due, err = s.st.TynesDueTick(ctx, now)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(due, gc.HasLen, 0)
}

func (s *StateSuite) TestSecretsMergeUserWins(c *gc.C) {
	ctx := context.Background()
	c.Assert(s.st.CreateTyne(ctx, s.metadata()), jc.ErrorIsNil)

	c.Assert(s.st.PutSecret(ctx, tyneID, state.TyneScope, "API_TOKEN", "shared"), jc.ErrorIsNil)
	c.Assert(s.st.PutSecret(ctx, tyneID, state.TyneScope, "REGION", "eu"), jc.ErrorIsNil)
	c.Assert(s.st.PutSecret(ctx, tyneID, "ada@example.com", "API_TOKEN", "personal"), jc.ErrorIsNil)

	secrets, err := s.st.SecretsFor(ctx, tyneID, "ada@example.com")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(secrets, gc.DeepEquals, tyne.Secrets{
		"API_TOKEN": "personal",
		"REGION":    "eu",
	})

	secrets, err = s.st.SecretsFor(ctx, tyneID, "bob@example.com")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(secrets["API_TOKEN"], gc.Equals, "shared")
}

func (s *StateSuite) TestReplaceSecrets(c *gc.C) {
	ctx := context.Background()
	c.Assert(s.st.CreateTyne(ctx, s.metadata()), jc.ErrorIsNil)
	c.Assert(s.st.PutSecret(ctx, tyneID, state.TyneScope, "OLD", "x"), jc.ErrorIsNil)

	c.Assert(s.st.ReplaceSecrets(ctx, tyneID, state.TyneScope, tyne.Secrets{"NEW": "y"}), jc.ErrorIsNil)
	secrets, err := s.st.SecretsFor(ctx, tyneID, "ada@example.com")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(secrets, gc.DeepEquals, tyne.Secrets{"NEW": "y"})
}

func (s *StateSuite) TestEvents(c *gc.C) {
	ctx := context.Background()
	c.Assert(s.st.CreateTyne(ctx, s.metadata()), jc.ErrorIsNil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, msg := range []string{"first", "second", "third"} {
		err := s.st.AddEvent(ctx, tyneID, tyne.Event{
			Message:   msg,
			Severity:  tyne.SeverityInfo,
			Extra:     map[string]any{"seq": float64(i)},
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		})
		c.Assert(err, jc.ErrorIsNil)
	}

	events, err := s.st.Events(ctx, tyneID, 2)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(events, gc.HasLen, 2)
	c.Assert(events[0].Message, gc.Equals, "third")
	c.Assert(events[1].Message, gc.Equals, "second")
	c.Assert(events[0].Extra["seq"], gc.Equals, float64(2))
}

func (s *StateSuite) TestAPIKeys(c *gc.C) {
	ctx := context.Background()
	c.Assert(s.st.CreateTyne(ctx, s.metadata()), jc.ErrorIsNil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	key, err := s.st.CreateAPIKey(ctx, tyneID, now)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(key.Token, gc.Not(gc.Equals), "")

	got, err := s.st.ResolveAPIKey(ctx, key.Token)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got, gc.Equals, tyneID)

	_, err = s.st.ResolveAPIKey(ctx, "bogus")
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *StateSuite) TestQuotaWindow(c *gc.C) {
	ctx := context.Background()
	c.Assert(s.st.CreateTyne(ctx, s.metadata()), jc.ErrorIsNil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	key, err := s.st.CreateAPIKey(ctx, tyneID, now)
	c.Assert(err, jc.ErrorIsNil)

	for i := 0; i < 3; i++ {
		ok, err := s.st.ConsumeQuota(ctx, key.Token, now, time.Minute, 3)
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(ok, jc.IsTrue)
	}
	ok, err := s.st.ConsumeQuota(ctx, key.Token, now, time.Minute, 3)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ok, jc.IsFalse)

	// The window rolls over and the budget resets.
	ok, err = s.st.ConsumeQuota(ctx, key.Token, now.Add(2*time.Minute), time.Minute, 3)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ok, jc.IsTrue)
}

func (s *StateSuite) TestFunctionCallCache(c *gc.C) {
	ctx := context.Background()
	c.Assert(s.st.CreateTyne(ctx, s.metadata()), jc.ErrorIsNil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	c.Assert(s.st.CachePut(ctx, tyneID, "fetch_price(AAPL)", []byte(`{"v":190}`), now.Add(time.Hour)), jc.ErrorIsNil)

	got, err := s.st.CacheGet(ctx, tyneID, "fetch_price(AAPL)", now)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(got), gc.Equals, `{"v":190}`)

	_, err = s.st.CacheGet(ctx, tyneID, "fetch_price(AAPL)", now.Add(2*time.Hour))
	c.Assert(err, jc.ErrorIs, errors.NotFound)

	_, err = s.st.CacheGet(ctx, tyneID, "absent", now)
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *StateSuite) TestDeleteCascades(c *gc.C) {
	ctx := context.Background()
	c.Assert(s.st.CreateTyne(ctx, s.metadata()), jc.ErrorIsNil)
	c.Assert(s.st.PutSecret(ctx, tyneID, state.TyneScope, "K", "v"), jc.ErrorIsNil)

	c.Assert(s.st.DeleteTyne(ctx, tyneID), jc.ErrorIsNil)
	_, err := s.st.GetTyne(ctx, tyneID)
	c.Assert(err, jc.ErrorIs, errors.NotFound)
	secrets, err := s.st.SecretsFor(ctx, tyneID, "ada@example.com")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(secrets, gc.HasLen, 0)
}
