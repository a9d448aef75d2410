// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	converrors "github.com/tombee/converse/pkg/errors"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &Conversation{UserID: "user-1", Title: "hello"}
	require.NoError(t, s.CreateConversation(ctx, conv))
	require.NotEmpty(t, conv.ID)

	got, err := s.Conversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "hello", got.Title)

	require.NoError(t, s.DeleteConversation(ctx, conv.ID))

	_, err = s.Conversation(ctx, conv.ID)
	var notFound *converrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "conversation", notFound.Resource)
}

func TestDeleteConversation_NotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.DeleteConversation(context.Background(), "missing")
	var notFound *converrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestListConversations_OrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		conv := &Conversation{
			UserID:    "user-1",
			Title:     string(rune('a' + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.CreateConversation(ctx, conv))
	}
	require.NoError(t, s.CreateConversation(ctx, &Conversation{UserID: "user-2"}))

	convs, err := s.ListConversations(ctx, "user-1", 2)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "c", convs[0].Title)
	assert.Equal(t, "b", convs[1].Title)
}

func TestAppendMessage_OrderAndTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &Conversation{UserID: "user-1"}
	require.NoError(t, s.CreateConversation(ctx, conv))

	base := time.Now().UTC()
	for i, content := range []string{"first", "second", "third"} {
		msg := &Message{
			ConversationID: conv.ID,
			Role:           "user",
			Content:        content,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.AppendMessage(ctx, msg))
	}

	msgs, err := s.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "third", msgs[2].Content)

	got, err := s.Conversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
}

func TestMessages_CascadeDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &Conversation{UserID: "user-1"}
	require.NoError(t, s.CreateConversation(ctx, conv))
	require.NoError(t, s.AppendMessage(ctx, &Message{
		ConversationID: conv.ID, Role: "user", Content: "hi",
	}))

	require.NoError(t, s.DeleteConversation(ctx, conv.ID))

	msgs, err := s.Messages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestServerRecord_Roundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &ServerRecord{
		UserID:    "user-1",
		Name:      "calc",
		Transport: "stdio",
		Command:   "uvx",
		Args:      []string{"calc-server", "--verbose"},
		Env:       map[string]string{"API_KEY": "secret"},
		Active:    true,
	}
	require.NoError(t, s.UpsertServer(ctx, rec))

	servers, err := s.ServersForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	got := servers[0]
	assert.Equal(t, "calc", got.Name)
	assert.Equal(t, []string{"calc-server", "--verbose"}, got.Args)
	assert.Equal(t, map[string]string{"API_KEY": "secret"}, got.Env)
	assert.True(t, got.Active)
}

func TestUpsertServer_Replaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &ServerRecord{UserID: "user-1", Name: "calc", Transport: "stdio", Command: "old", Active: true}
	require.NoError(t, s.UpsertServer(ctx, rec))

	rec2 := &ServerRecord{UserID: "user-1", Name: "calc", Transport: "stdio", Command: "new", Active: false}
	require.NoError(t, s.UpsertServer(ctx, rec2))

	servers, err := s.ServersForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "new", servers[0].Command)
	assert.False(t, servers[0].Active)
}

func TestServersForUser_Isolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertServer(ctx, &ServerRecord{UserID: "user-1", Name: "calc", Transport: "stdio", Command: "c"}))
	require.NoError(t, s.UpsertServer(ctx, &ServerRecord{UserID: "user-2", Name: "web", Transport: "sse", URL: "http://example.com/sse"}))

	servers, err := s.ServersForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "calc", servers[0].Name)

	require.NoError(t, s.DeleteServer(ctx, "user-2", "web"))
	servers, err = s.ServersForUser(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, servers)
}
