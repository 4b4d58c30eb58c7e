package assign

import (
	"path/filepath"
	"testing"

	"github.com/marzan3698/omni-sub004/internal/eventbus"
	"github.com/marzan3698/omni-sub004/internal/statedb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *statedb.StateDB {
	t.Helper()
	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAssign_PicksLeastLoaded(t *testing.T) {
	db := newTestDB(t)
	rec := &eventbus.Recorder{}
	a := New(db, rec)

	require.NoError(t, db.SaveAgent(&statedb.AgentRow{ID: "a1", Tenant: "t", Active: true}))
	require.NoError(t, db.SaveAgent(&statedb.AgentRow{ID: "a2", Tenant: "t", Active: true}))

	c1 := &statedb.ConversationRow{Tenant: "t", Platform: "whatsapp", ExternalUserID: "1", SlotID: "2"}
	c2 := &statedb.ConversationRow{Tenant: "t", Platform: "whatsapp", ExternalUserID: "2", SlotID: "2"}
	require.NoError(t, db.CreateConversation(c1))
	require.NoError(t, db.CreateConversation(c2))

	a.Assign(c1.ID, "t")
	a.Wait()
	a.Assign(c2.ID, "t")
	a.Wait()

	got1, err := db.GetConversation(c1.ID)
	require.NoError(t, err)
	got2, err := db.GetConversation(c2.ID)
	require.NoError(t, err)
	assert.Equal(t, "a1", got1.AssigneeID)
	assert.Equal(t, "a2", got2.AssigneeID)

	events := rec.Named(eventbus.ConversationAssigned)
	require.Len(t, events, 2)
	assert.Equal(t, "2", events[0].Slot)
	assert.Equal(t, map[string]string{"conversationId": c1.ID, "agentId": "a1"}, events[0].Payload)
}

func TestAssign_KeepsExistingAssignee(t *testing.T) {
	db := newTestDB(t)
	rec := &eventbus.Recorder{}
	a := New(db, rec)

	require.NoError(t, db.SaveAgent(&statedb.AgentRow{ID: "a1", Tenant: "t", Active: true}))
	c := &statedb.ConversationRow{Tenant: "t", Platform: "whatsapp", ExternalUserID: "1", SlotID: "1", AssigneeID: "a9"}
	require.NoError(t, db.CreateConversation(c))

	a.Assign(c.ID, "t")
	a.Wait()

	got, err := db.GetConversation(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "a9", got.AssigneeID)
	assert.Empty(t, rec.Events())
}

func TestAssign_NoAgentsIsNotAnError(t *testing.T) {
	db := newTestDB(t)
	a := New(db, nil)

	c := &statedb.ConversationRow{Tenant: "t", Platform: "whatsapp", ExternalUserID: "1", SlotID: "1"}
	require.NoError(t, db.CreateConversation(c))

	a.Assign(c.ID, "t")
	a.Wait()

	got, err := db.GetConversation(c.ID)
	require.NoError(t, err)
	assert.Empty(t, got.AssigneeID)
}

func TestAssign_MissingConversation(t *testing.T) {
	db := newTestDB(t)
	a := New(db, nil)

	a.Assign("nope", "t")
	a.Wait()
}
