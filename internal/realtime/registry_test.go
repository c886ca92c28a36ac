package realtime

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nicat85/BuynityProject-sub001/internal/platform/metrics"
	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

func TestRegistry_RegisterJoinsUserGroup(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register("c1", "alice"))
	require.NoError(t, r.Register("c2", "alice"))

	assert.ElementsMatch(t, []delivery.ConnectionID{"c1", "c2"}, r.ConnectionsOf("alice"))
	groups, err := r.GroupsOf("c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:alice"}, groups)

	id, ok := r.IdentityOf("c2")
	assert.True(t, ok)
	assert.Equal(t, delivery.Identity("alice"), id)
}

func TestRegistry_DuplicateRegisterFails(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("c1", "alice"))

	err := r.Register("c1", "bob")
	assert.ErrorIs(t, err, delivery.ErrDuplicateConnection)

	id, _ := r.IdentityOf("c1")
	assert.Equal(t, delivery.Identity("alice"), id, "original registration must be untouched")
	assert.Empty(t, r.ConnectionsOf("bob"))
}

func TestRegistry_AnonymousHasNoUserGroup(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("c1", ""))

	groups, err := r.GroupsOf("c1")
	require.NoError(t, err)
	assert.Empty(t, groups)
	assert.Empty(t, r.MembersOf("user:"))

	require.NoError(t, r.JoinGroup("c1", "thread:t1"))
	assert.Equal(t, []delivery.ConnectionID{"c1"}, r.MembersOf("thread:t1"))
}

func TestRegistry_JoinAndLeave(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("c1", "alice"))
	require.NoError(t, r.Register("c2", "bob"))

	require.NoError(t, r.JoinGroup("c1", "thread:t1"))
	require.NoError(t, r.JoinGroup("c1", "thread:t1"))
	require.NoError(t, r.JoinGroup("c2", "thread:t1"))
	assert.ElementsMatch(t, []delivery.ConnectionID{"c1", "c2"}, r.MembersOf("thread:t1"))

	r.LeaveGroup("c1", "thread:t1")
	r.LeaveGroup("c1", "thread:t1")
	assert.Equal(t, []delivery.ConnectionID{"c2"}, r.MembersOf("thread:t1"))

	r.LeaveGroup("c2", "thread:t1")
	assert.Empty(t, r.MembersOf("thread:t1"))
	assert.Equal(t, 2, r.Stats().Groups, "empty thread group should be dropped")
}

func TestRegistry_JoinUnknownConnection(t *testing.T) {
	r := NewRegistry(nil)
	err := r.JoinGroup("ghost", "thread:t1")
	assert.ErrorIs(t, err, delivery.ErrUnknownConnection)
	assert.Empty(t, r.MembersOf("thread:t1"))
}

func TestRegistry_UserGroupMembershipIsPinned(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("c1", "alice"))

	err := r.JoinGroup("c1", delivery.UserGroup("bob"))
	assert.ErrorIs(t, err, delivery.ErrForeignUserGroup)
	assert.Empty(t, r.ConnectionsOf("bob"))

	r.LeaveGroup("c1", delivery.UserGroup("alice"))
	assert.Equal(t, []delivery.ConnectionID{"c1"}, r.ConnectionsOf("alice"))
}

func TestRegistry_UnregisterRemovesEverywhere(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("c1", "alice"))
	require.NoError(t, r.JoinGroup("c1", "thread:t1"))
	require.NoError(t, r.JoinGroup("c1", "thread:t2"))

	r.Unregister("c1")
	r.Unregister("c1")

	assert.Empty(t, r.ConnectionsOf("alice"))
	assert.Empty(t, r.MembersOf("thread:t1"))
	assert.Empty(t, r.MembersOf("thread:t2"))
	_, err := r.GroupsOf("c1")
	assert.ErrorIs(t, err, delivery.ErrUnknownConnection)
	assert.Equal(t, RegistryStats{}, r.Stats())
}

func TestRegistry_SnapshotIsDetached(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("c1", "alice"))
	require.NoError(t, r.JoinGroup("c1", "thread:t1"))

	snapshot := r.MembersOf("thread:t1")
	r.Unregister("c1")

	assert.Equal(t, []delivery.ConnectionID{"c1"}, snapshot)
}

func TestRegistry_StatsAndMetrics(t *testing.T) {
	m := metrics.New()
	r := NewRegistry(m)
	require.NoError(t, r.Register("c1", "alice"))
	require.NoError(t, r.Register("c2", "alice"))
	require.NoError(t, r.Register("c3", "bob"))
	require.NoError(t, r.JoinGroup("c1", "thread:t1"))

	assert.Equal(t, RegistryStats{Connections: 3, Groups: 3, Identities: 2}, r.Stats())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.LiveConnections))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.LiveGroups))

	r.Unregister("c3")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LiveConnections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LiveGroups))
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	r := NewRegistry(nil)
	const workers = 32

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := delivery.ConnectionID(fmt.Sprintf("c%d", i))
			identity := delivery.Identity(fmt.Sprintf("u%d", i%4))
			if err := r.Register(id, identity); err != nil {
				t.Errorf("register %s: %v", id, err)
				return
			}
			_ = r.JoinGroup(id, "thread:shared")
			_ = r.MembersOf("thread:shared")
			if i%2 == 0 {
				r.Unregister(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.MembersOf("thread:shared"), workers/2)
	stats := r.Stats()
	assert.Equal(t, workers/2, stats.Connections)
	for _, id := range r.MembersOf("thread:shared") {
		groups, err := r.GroupsOf(id)
		require.NoError(t, err)
		assert.Contains(t, groups, "thread:shared")
	}
}
