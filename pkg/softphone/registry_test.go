package softphone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCreateGet(t *testing.T) {
	r := NewRegistry()

	s := r.Create(DirectionOutgoing, "1002")
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StatusIdle, s.Status)
	assert.Equal(t, DirectionOutgoing, s.Direction)
	assert.Equal(t, "1002", s.RemoteParty)

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, r.Count())

	_, ok = r.Get("nope")
	assert.False(t, ok)
}

func TestRegistryUniqueIDs(t *testing.T) {
	r := NewRegistry()
	seen := make(map[string]bool)
	for range 100 {
		s := r.Create(DirectionIncoming, "x")
		require.False(t, seen[s.ID], "повтор идентификатора %s", s.ID)
		seen[s.ID] = true
	}
}

func TestRegistryActivePointer(t *testing.T) {
	r := NewRegistry()
	a := r.Create(DirectionOutgoing, "a")
	b := r.Create(DirectionOutgoing, "b")

	_, ok := r.Active()
	assert.False(t, ok)

	require.NoError(t, r.SetActive(a.ID))
	active, ok := r.Active()
	require.True(t, ok)
	assert.Equal(t, a.ID, active.ID)

	// Активной может стать только живая сессия
	err := r.SetActive("nope")
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrorCodeSessionNotFound, perr.Code)
	assert.Equal(t, a.ID, r.ActiveID())

	require.NoError(t, r.SetActive(b.ID))
	assert.Equal(t, b.ID, r.ActiveID())

	r.ClearActive()
	assert.Empty(t, r.ActiveID())
}

func TestRegistryRemoveClearsDanglingActive(t *testing.T) {
	r := NewRegistry()
	a := r.Create(DirectionOutgoing, "a")
	require.NoError(t, r.SetActive(a.ID))

	r.Remove(a.ID)

	// Реестр никогда не содержит висящего указателя активной сессии
	assert.Empty(t, r.ActiveID())
	_, ok := r.Active()
	assert.False(t, ok)
	assert.Zero(t, r.Count())
}

func TestRegistryFindByHandle(t *testing.T) {
	r := NewRegistry()
	a := r.Create(DirectionOutgoing, "a")
	h := &mockHandle{target: "a"}
	a.Handle = h

	got, ok := r.findByHandle(h)
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = r.findByHandle(&mockHandle{target: "a"})
	assert.False(t, ok, "handle сравнивается по идентичности, не по содержимому")

	_, ok = r.findByHandle(nil)
	assert.False(t, ok)
}
