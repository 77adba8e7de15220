// Package storetest holds behaviour checks shared by every store.Backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/a-essam23/go-chatroom/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) store.Backend

// Run exercises newBackend against the store.Session contract.
func Run(t *testing.T, newBackend Factory) {
	t.Run("Credentials", func(t *testing.T) { testCredentials(t, newBackend(t)) })
	t.Run("Presence", func(t *testing.T) { testPresence(t, newBackend(t)) })
	t.Run("UndeliveredFlush", func(t *testing.T) { testUndelivered(t, newBackend(t)) })
	t.Run("History", func(t *testing.T) { testHistory(t, newBackend(t)) })
	t.Run("SessionsShareData", func(t *testing.T) { testSharedData(t, newBackend(t)) })
}

func session(t *testing.T, b store.Backend) store.Session {
	t.Helper()
	s, err := b.Session(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustUser(t *testing.T, s store.Session, name string) int64 {
	t.Helper()
	ctx := context.Background()
	created, err := s.CreateCredential(ctx, name, name+"-pass")
	require.NoError(t, err)
	require.True(t, created)
	id, ok, err := s.UserID(ctx, name)
	require.NoError(t, err)
	require.True(t, ok)
	return id
}

func testCredentials(t *testing.T, b store.Backend) {
	ctx := context.Background()
	s := session(t, b)

	created, err := s.CreateCredential(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateCredential(ctx, "alice", "other")
	require.NoError(t, err)
	assert.False(t, created, "names are unique")

	ok, err := s.VerifyCredential(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.VerifyCredential(ctx, "alice", "other")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.VerifyCredential(ctx, "nobody", "pw")
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, err := s.UserID(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, found)
}

func testPresence(t *testing.T, b store.Backend) {
	ctx := context.Background()
	s := session(t, b)
	alice := mustUser(t, s, "alice")
	bob := mustUser(t, s, "bob")
	mustUser(t, s, "carol")

	require.NoError(t, s.SetOnline(ctx, bob))
	require.NoError(t, s.SetOnline(ctx, alice))
	require.NoError(t, s.Touch(ctx, alice))

	names, err := s.ListOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, names)

	require.NoError(t, s.SetOffline(ctx, bob))
	names, err = s.ListOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, names)

	require.NoError(t, b.ResetPresence(ctx))
	names, err = s.ListOnline(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func testUndelivered(t *testing.T, b store.Backend) {
	ctx := context.Background()
	s := session(t, b)
	alice := mustUser(t, s, "alice")
	bob := mustUser(t, s, "bob")

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var ids []int64
	for i, text := range []string{"one", "two", "three"} {
		id, err := s.RecordMessage(ctx, store.Message{
			SenderID:   alice,
			ReceiverID: bob,
			Kind:       store.KindSingle,
			Text:       text,
			SentAt:     base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.True(t, ids[0] < ids[1] && ids[1] < ids[2], "ids follow insertion order")

	// a delivered row never shows up as unread
	_, err := s.RecordMessage(ctx, store.Message{
		SenderID: alice, ReceiverID: bob, Kind: store.KindSingle,
		Text: "seen", SentAt: base, Delivered: true,
	})
	require.NoError(t, err)

	pending, err := s.FetchUndelivered(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, text := range []string{"one", "two", "three"} {
		assert.Equal(t, text, pending[i].Text)
		assert.Equal(t, "alice", pending[i].Sender)
		assert.Equal(t, "bob", pending[i].Receiver)
		assert.Equal(t, store.KindSingle, pending[i].Kind)
		assert.True(t, pending[i].SentAt.Equal(base.Add(time.Duration(i)*time.Second)))
	}

	// a message arriving after the fetch must survive the mark
	late, err := s.RecordMessage(ctx, store.Message{
		SenderID: alice, ReceiverID: bob, Kind: store.KindSingle, Text: "late", SentAt: base,
	})
	require.NoError(t, err)

	require.NoError(t, s.MarkDelivered(ctx, bob, pending[len(pending)-1].ID))
	pending, err = s.FetchUndelivered(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, late, pending[0].ID)

	none, err := s.FetchUndelivered(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testHistory(t *testing.T, b store.Backend) {
	ctx := context.Background()
	s := session(t, b)
	alice := mustUser(t, s, "alice")
	bob := mustUser(t, s, "bob")
	carol := mustUser(t, s, "carol")

	record := func(from, to int64, kind store.MessageKind, text string) {
		_, err := s.RecordMessage(ctx, store.Message{
			SenderID: from, ReceiverID: to, Kind: kind, Text: text, Delivered: true,
		})
		require.NoError(t, err)
	}
	record(alice, bob, store.KindSingle, "hi bob")
	record(bob, carol, store.KindSingle, "hi carol")
	record(carol, alice, store.KindBroadcast, "hello all")

	rows, err := s.History(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "hi bob", rows[0].Text)
	assert.Equal(t, "hello all", rows[1].Text)
	assert.Equal(t, "carol", rows[1].Sender)
	assert.Equal(t, store.KindBroadcast, rows[1].Kind)
	assert.False(t, rows[0].SentAt.IsZero(), "send time defaults to now")
}

func testSharedData(t *testing.T, b store.Backend) {
	ctx := context.Background()
	first := session(t, b)
	second := session(t, b)

	mustUser(t, first, "alice")
	ok, err := second.VerifyCredential(ctx, "alice", "alice-pass")
	require.NoError(t, err)
	assert.True(t, ok)
}
