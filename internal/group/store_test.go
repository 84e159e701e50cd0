package group

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "group.db"), "rg1")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func register(t *testing.T, s *Store, name string, typ NodeType) Member {
	t.Helper()
	m, err := s.Register(Member{Name: name, Type: typ, Host: "localhost", Port: 5001, Priority: 1})
	require.NoError(t, err)
	return m
}

func TestOpenStore(t *testing.T) {
	t.Run("initialises group name and uuid", func(t *testing.T) {
		s := openTestStore(t)
		view, err := s.View()
		require.NoError(t, err)
		assert.Equal(t, "rg1", view.Name())
		assert.NotEmpty(t, view.UUID())
		assert.Equal(t, int64(0), view.ChangeVersion())
	})

	t.Run("reopen keeps the uuid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "group.db")
		s, err := OpenStore(path, "rg1")
		require.NoError(t, err)
		v1, _ := s.View()
		require.NoError(t, s.Close())

		s2, err := OpenStore(path, "rg1")
		require.NoError(t, err)
		defer s2.Close()
		v2, _ := s2.View()
		assert.Equal(t, v1.UUID(), v2.UUID())
	})

	t.Run("rejects a different group name", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "group.db")
		s, err := OpenStore(path, "rg1")
		require.NoError(t, err)
		require.NoError(t, s.Close())

		_, err = OpenStore(path, "other")
		assert.Error(t, err)
	})

	t.Run("fails with invalid path", func(t *testing.T) {
		s, err := OpenStore("/invalid/path/that/does/not/exist/group.db", "rg1")
		assert.Error(t, err)
		assert.Nil(t, s)
	})
}

func TestStore_Register(t *testing.T) {
	s := openTestStore(t)

	t.Run("allocates increasing ids and bumps the change version", func(t *testing.T) {
		a := register(t, s, "node1", Electable)
		b := register(t, s, "node2", Electable)
		assert.Equal(t, NodeID(1), a.ID)
		assert.Equal(t, NodeID(2), b.ID)

		view, err := s.View()
		require.NoError(t, err)
		assert.Equal(t, int64(2), view.ChangeVersion())
		seq, err := s.NodeIDSequence()
		require.NoError(t, err)
		assert.Equal(t, NodeID(2), seq)
	})

	t.Run("transient id types get the null id", func(t *testing.T) {
		m := register(t, s, "sec1", Secondary)
		assert.Equal(t, NullNodeID, m.ID)
		seq, _ := s.NodeIDSequence()
		assert.Equal(t, NodeID(2), seq)
	})

	t.Run("duplicate names are rejected", func(t *testing.T) {
		_, err := s.Register(Member{Name: "node1", Host: "localhost", Port: 1})
		assert.ErrorIs(t, err, ErrInvalidEdit)
	})

	t.Run("negative priority is rejected", func(t *testing.T) {
		_, err := s.Register(Member{Name: "bad", Host: "localhost", Port: 1, Priority: -1})
		assert.ErrorIs(t, err, ErrInvalidEdit)
	})
}

func TestStore_Apply(t *testing.T) {
	t.Run("id must exceed the node id sequence unless forced", func(t *testing.T) {
		s := openTestStore(t)
		register(t, s, "node1", Electable)
		register(t, s, "node2", Electable)

		id := NodeID(2)
		_, err := s.Apply("node1", Edit{ID: &id}, false)
		assert.ErrorIs(t, err, ErrInvalidEdit)

		id = NodeID(10)
		m, err := s.Apply("node1", Edit{ID: &id}, false)
		require.NoError(t, err)
		assert.Equal(t, NodeID(10), m.ID)
		seq, _ := s.NodeIDSequence()
		assert.Equal(t, NodeID(10), seq)
	})

	t.Run("forced id edit still requires unique ids", func(t *testing.T) {
		s := openTestStore(t)
		register(t, s, "node1", Electable)
		register(t, s, "node2", Electable)

		id := NodeID(2)
		_, err := s.Apply("node1", Edit{ID: &id}, true)
		assert.ErrorIs(t, err, ErrInvalidEdit)

		_, err = s.Apply("node2", Edit{Removed: boolPtr(true)}, false)
		require.NoError(t, err)
		id = NodeID(2)
		m, err := s.Apply("node1", Edit{ID: &id}, true)
		require.NoError(t, err)
		assert.Equal(t, NodeID(2), m.ID)
	})

	t.Run("change version must not go backwards unless forced", func(t *testing.T) {
		s := openTestStore(t)
		register(t, s, "node1", Electable)
		register(t, s, "node2", Electable)

		v := int64(1)
		host := "otherhost"
		_, err := s.Apply("node1", Edit{Host: &host, ChangeVersion: &v}, false)
		assert.ErrorIs(t, err, ErrInvalidEdit)

		m, err := s.Apply("node1", Edit{Host: &host, ChangeVersion: &v}, true)
		require.NoError(t, err)
		assert.Equal(t, "otherhost", m.Host)
		view, _ := s.View()
		assert.Equal(t, int64(1), view.ChangeVersion())
	})

	t.Run("changing to a transient type forces the null id", func(t *testing.T) {
		s := openTestStore(t)
		register(t, s, "node1", Electable)

		typ := External
		m, err := s.Apply("node1", Edit{Type: &typ}, false)
		require.NoError(t, err)
		assert.Equal(t, NullNodeID, m.ID)
		assert.Equal(t, External, m.Type)
	})

	t.Run("rename moves the record", func(t *testing.T) {
		s := openTestStore(t)
		register(t, s, "node1", Electable)

		name := "node1b"
		_, err := s.Apply("node1", Edit{Name: &name}, false)
		require.NoError(t, err)

		view, _ := s.View()
		_, ok := view.Member("node1")
		assert.False(t, ok)
		m, ok := view.Member("node1b")
		assert.True(t, ok)
		assert.Equal(t, NodeID(1), m.ID)
	})

	t.Run("unknown member", func(t *testing.T) {
		s := openTestStore(t)
		_, err := s.Apply("ghost", Edit{}, true)
		assert.True(t, errors.Is(err, ErrUnknownMember))
	})
}

func TestStore_Remove(t *testing.T) {
	s := openTestStore(t)
	register(t, s, "node1", Electable)
	register(t, s, "node2", Electable)

	require.NoError(t, s.Remove("node1"))

	view, err := s.View()
	require.NoError(t, err)
	assert.Len(t, view.Members(), 1)
	assert.Len(t, view.AllMembers(), 2)

	// A removed name can be registered again but never reuses the old id
	m := register(t, s, "node1", Electable)
	assert.Equal(t, NodeID(3), m.ID)
}

func boolPtr(b bool) *bool { return &b }
