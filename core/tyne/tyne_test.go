// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tyne_test

import (
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
)

type TyneSuite struct{}

var _ = gc.Suite(&TyneSuite{})

func (s *TyneSuite) TestNewIDIsValid(c *gc.C) {
	seen := make(map[tyne.ID]bool)
	for i := 0; i < 100; i++ {
		id := tyne.NewID()
		c.Assert(id.Validate(), jc.ErrorIsNil)
		c.Assert(seen[id], jc.IsFalse)
		seen[id] = true
	}
}

func (s *TyneSuite) TestIDValidate(c *gc.C) {
	for _, id := range []tyne.ID{"", "short", "abcdef123!", "ABCDEF1234", "abcdef12345"} {
		c.Assert(id.Validate(), jc.ErrorIs, errors.NotValid, gc.Commentf("id %q", id))
	}
	c.Assert(tyne.ID("abcdef1234").Validate(), jc.ErrorIsNil)
}

func (s *TyneSuite) TestBlobPath(c *gc.C) {
	c.Assert(tyne.ID("abcdef1234").BlobPath(), gc.Equals, "abcdef1234.json")
}

func (s *TyneSuite) TestSecretsMergeUserWins(c *gc.C) {
	shared := tyne.Secrets{"API_KEY": "shared", "DB": "postgres"}
	user := tyne.Secrets{"API_KEY": "mine"}
	merged := shared.Merge(user)
	c.Assert(merged, jc.DeepEquals, tyne.Secrets{"API_KEY": "mine", "DB": "postgres"})
	// The inputs are untouched.
	c.Assert(shared["API_KEY"], gc.Equals, "shared")
}

func (s *TyneSuite) TestNewAPIKey(c *gc.C) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	key := tyne.NewAPIKey("abcdef1234", now)
	c.Assert(key.TyneID, gc.Equals, tyne.ID("abcdef1234"))
	c.Assert(key.Created, gc.Equals, now)
	c.Assert(key.Token, gc.Not(gc.Equals), "")
	c.Assert(key.Token, gc.Not(gc.Equals), tyne.NewAPIKey("abcdef1234", now).Token)
}
