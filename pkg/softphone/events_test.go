package softphone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusSubscribePublish(t *testing.T) {
	b := NewBus()

	var first, second []Snapshot
	unsub1 := b.Subscribe(func(s Snapshot) { first = append(first, s) })
	defer unsub1()
	unsub2 := b.Subscribe(func(s Snapshot) { second = append(second, s) })

	b.Publish(Snapshot{ActiveID: "a"})
	b.Publish(Snapshot{ActiveID: "b"})

	// Срезы приходят всем подписчикам в порядке публикации
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].ActiveID)
	assert.Equal(t, "b", first[1].ActiveID)
	require.Len(t, second, 2)

	unsub2()
	b.Publish(Snapshot{ActiveID: "c"})
	assert.Len(t, first, 3)
	assert.Len(t, second, 2)
}

func TestBusUnsubscribeIdempotent(t *testing.T) {
	b := NewBus()
	unsub := b.Subscribe(func(Snapshot) {})
	unsub()
	unsub()
	b.Publish(Snapshot{})
}

func TestSnapshotIsImmutableCopy(t *testing.T) {
	p, _, _, _ := newTestPhone(t)
	id := dialAndConnect(t, p, "1002")

	snap := p.Snapshot()
	require.Len(t, snap.ActiveCalls, 1)

	// Мутация среза не видна телефону
	snap.ActiveCalls[0].RemoteParty = "изменено"
	snap.ActiveCalls[0].Status = StatusFailed

	s, ok := p.registry.Get(id)
	require.True(t, ok)
	assert.Equal(t, "1002", s.RemoteParty)
	assert.Equal(t, StatusConnected, s.Status)
}

func TestTransportEventTypeString(t *testing.T) {
	assert.Equal(t, "registration", EventRegistration.String())
	assert.Equal(t, "incoming_call", EventIncomingCall.String())
	assert.Equal(t, "transfer_done", EventTransferDone.String())
	assert.Equal(t, "unknown", TransportEventType(99).String())
}
