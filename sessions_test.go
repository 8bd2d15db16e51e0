// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newSessionsFixture() (*Sessions, []*Session) {
	list := []*Session{
		{ID: "c", Net: SessionConnection{Listener: "t1"}},
		{ID: "a", Net: SessionConnection{Listener: "t2"}},
		{ID: "b", Net: SessionConnection{Listener: "t1"}},
		{ID: "a", Net: SessionConnection{Listener: "t1"}},
	}

	ss := NewSessions()
	for _, s := range list {
		ss.Add(s)
	}

	return ss, list
}

func TestSessionsAddHasDelete(t *testing.T) {
	ss := NewSessions()
	s := &Session{ID: "a"}

	require.False(t, ss.Has(s))
	ss.Add(s)
	require.True(t, ss.Has(s))
	require.Equal(t, 1, ss.Len())

	// a different session with the same client id is a different member
	require.False(t, ss.Has(&Session{ID: "a"}))

	require.True(t, ss.Delete(s))
	require.False(t, ss.Delete(s))
	require.False(t, ss.Has(s))
	require.Equal(t, 0, ss.Len())
}

func TestSessionsGetAll(t *testing.T) {
	ss, _ := newSessionsFixture()
	all := ss.GetAll()
	require.Len(t, all, 4)
	require.Equal(t, "a", all[0].ID)
	require.Equal(t, "a", all[1].ID)
	require.Equal(t, "b", all[2].ID)
	require.Equal(t, "c", all[3].ID)
}

func TestSessionsGetByListener(t *testing.T) {
	ss, list := newSessionsFixture()

	got := ss.GetByListener("t2")
	require.Len(t, got, 1)
	require.Same(t, list[1], got[0])

	require.Len(t, ss.GetByListener("t1"), 3)
	require.Empty(t, ss.GetByListener("t3"))
}

func TestSessionsGetByID(t *testing.T) {
	ss, list := newSessionsFixture()

	got := ss.GetByID("a")
	require.Len(t, got, 2)
	require.Contains(t, got, list[1])
	require.Contains(t, got, list[3])
	require.Empty(t, ss.GetByID("zen"))
}
