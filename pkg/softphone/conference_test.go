package softphone

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wireConferenceTransport настраивает мок так, что переводы и вход в
// комнату завершаются успешно синхронным событием.
func wireConferenceTransport(p *Phone, tr *mockTransport) {
	tr.onTransfer = func(h TransportHandle, roomID string) {
		p.handleTransportEvent(TransportEvent{
			Type:    EventTransferDone,
			Handle:  h,
			Success: true,
		})
	}
	tr.onJoin = func(h TransportHandle, roomID string) {
		p.handleTransportEvent(TransportEvent{
			Type:   EventEstablished,
			Handle: h,
		})
	}
}

// requireConferenceInvariant проверяет: mode == active тогда и только
// тогда, когда участников минимум два и комната выбрана.
func requireConferenceInvariant(t *testing.T, p *Phone) {
	t.Helper()
	snap := p.Snapshot().Conference
	activeShape := len(snap.Participants) >= 2 && snap.RoomID != ""
	if snap.Mode == ConferenceActive {
		require.True(t, activeShape,
			"active конференция обязана иметь комнату и минимум двух участников")
	}
	if snap.Mode == ConferenceNone {
		require.Empty(t, snap.Participants)
		require.Empty(t, snap.RoomID)
	}
}

func TestEnableConference(t *testing.T) {
	p, tr, _, _ := newTestPhone(t)
	wireConferenceTransport(p, tr)

	a := dialAndConnect(t, p, "1002") // активная
	b := dialAndConnect(t, p, "1003")

	require.NoError(t, p.EnableConference(context.Background()))

	snap := p.Snapshot().Conference
	assert.Equal(t, ConferenceActive, snap.Mode)
	assert.NotEmpty(t, snap.RoomID)
	assert.ElementsMatch(t, []string{a, b}, snap.Participants)
	requireConferenceInvariant(t, p)

	// Переводится только не-инициатор, инициатор входит новой ногой
	assert.Len(t, tr.transferOrder, 1)
	assert.Equal(t, []string{snap.RoomID}, tr.joinedRooms)

	for _, id := range []string{a, b} {
		s, ok := p.registry.Get(id)
		require.True(t, ok)
		assert.True(t, s.IsInConference)
		// В активной конференции размьючены все участники
		assert.False(t, p.router.IsMuted(id), "участник %s", id)
	}
	assert.Equal(t, 2, p.router.UnmutedCount())
}

func TestEnableConferenceRequiresTwoConnected(t *testing.T) {
	p, tr, _, _ := newTestPhone(t)
	wireConferenceTransport(p, tr)
	dialAndConnect(t, p, "1002")

	err := p.EnableConference(context.Background())
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrorCodeConference, perr.Code)
	assert.Empty(t, tr.transferOrder)
}

func TestEnableConferenceAlreadyRunning(t *testing.T) {
	p, tr, _, _ := newTestPhone(t)
	wireConferenceTransport(p, tr)
	dialAndConnect(t, p, "1002")
	dialAndConnect(t, p, "1003")
	require.NoError(t, p.EnableConference(context.Background()))

	err := p.EnableConference(context.Background())
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrorCodeInvalidState, perr.Code)
}

func TestConferenceTransfersAreSequential(t *testing.T) {
	p, tr, _, _ := newTestPhone(t)

	// Завершения приходят асинхронно с задержкой: начало следующего
	// перевода до завершения предыдущего попало бы в timeline как
	// start,start
	var mu sync.Mutex
	var timeline []string
	tr.onTransfer = func(h TransportHandle, roomID string) {
		mu.Lock()
		timeline = append(timeline, "start")
		mu.Unlock()
		go func() {
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			timeline = append(timeline, "done")
			mu.Unlock()
			p.handleTransportEvent(TransportEvent{
				Type:    EventTransferDone,
				Handle:  h,
				Success: true,
			})
		}()
	}
	tr.onJoin = func(h TransportHandle, roomID string) {
		p.handleTransportEvent(TransportEvent{Type: EventEstablished, Handle: h})
	}

	dialAndConnect(t, p, "1002")
	dialAndConnect(t, p, "1003")
	dialAndConnect(t, p, "1004")

	require.NoError(t, p.EnableConference(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"start", "done", "start", "done"}, timeline)
}

func TestConferenceJoinIgnoresConcurrentDial(t *testing.T) {
	p, tr, _, _ := newTestPhone(t)

	a := dialAndConnect(t, p, "1002")
	b := dialAndConnect(t, p, "1003")

	// Пока вход в комнату ждет handle ноги комнаты, конкурентно
	// набирается третья нога и успевает установиться. Ее событие не
	// должно быть принято за установление ноги комнаты: оба ждут в
	// буфере и забираются строго по своим handle.
	inviteStarted := make(chan TransportHandle)
	releaseInvite := make(chan struct{})
	dialDone := make(chan string, 1)

	tr.onTransfer = func(h TransportHandle, roomID string) {
		p.handleTransportEvent(TransportEvent{
			Type:    EventTransferDone,
			Handle:  h,
			Success: true,
		})
	}
	tr.onInvite = func(h TransportHandle, target string) {
		inviteStarted <- h
		<-releaseInvite
	}
	tr.onJoin = func(h TransportHandle, roomID string) {
		go func() {
			id, _ := p.Dial(context.Background(), "1004")
			dialDone <- id
		}()
		dialH := <-inviteStarted
		p.handleTransportEvent(TransportEvent{Type: EventEstablished, Handle: dialH})
		p.handleTransportEvent(TransportEvent{Type: EventEstablished, Handle: h})
		close(releaseInvite)
	}

	require.NoError(t, p.EnableConference(context.Background()))

	snap := p.Snapshot().Conference
	assert.Equal(t, ConferenceActive, snap.Mode)
	assert.ElementsMatch(t, []string{a, b}, snap.Participants)
	requireConferenceInvariant(t, p)

	// Конкурентно набранная нога установилась независимо и вне конференции
	id := <-dialDone
	s, ok := p.registry.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusConnected, s.Status)
	assert.False(t, s.IsInConference)
}

func TestConferencePartialFailure(t *testing.T) {
	p, tr, _, _ := newTestPhone(t)

	// Первый перевод успешен, второй отклонен мостом
	var calls int
	tr.onTransfer = func(h TransportHandle, roomID string) {
		calls++
		ev := TransportEvent{Type: EventTransferDone, Handle: h, Success: calls == 1}
		if calls > 1 {
			ev.Code = 503
			ev.Reason = "мост перегружен"
		}
		p.handleTransportEvent(ev)
	}

	dialAndConnect(t, p, "1002")
	dialAndConnect(t, p, "1003")
	dialAndConnect(t, p, "1004")

	err := p.EnableConference(context.Background())
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrorCodeConference, perr.Code)

	// Несогласованность поднята наверх, тихих повторов нет
	assert.Equal(t, 2, calls)

	// Уже переведенная нога остается в комнате, режим не active
	snap := p.Snapshot().Conference
	assert.Equal(t, ConferenceForming, snap.Mode)
	assert.Len(t, snap.Participants, 1)
	requireConferenceInvariant(t, p)
}

func TestConferenceLegDiesDuringTransfer(t *testing.T) {
	p, tr, _, _ := newTestPhone(t)
	tr.onTransfer = func(h TransportHandle, roomID string) {
		p.handleTransportEvent(TransportEvent{
			Type:   EventFailed,
			Handle: h,
			Code:   408,
		})
	}

	a := dialAndConnect(t, p, "1002")
	b := dialAndConnect(t, p, "1003")

	err := p.EnableConference(context.Background())
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrorCodeConference, perr.Code)

	// Умершая нога убрана из реестра обычной очисткой отказа
	assert.Equal(t, 1, p.registry.Count())
	ids := sessionIDs(p)
	assert.True(t, ids[a] || ids[b])
}

func TestDisableConferenceDetaches(t *testing.T) {
	p, tr, _, _ := newTestPhone(t)
	wireConferenceTransport(p, tr)

	a := dialAndConnect(t, p, "1002")
	b := dialAndConnect(t, p, "1003")
	require.NoError(t, p.EnableConference(context.Background()))

	require.NoError(t, p.DisableConference(context.Background()))

	snap := p.Snapshot().Conference
	assert.Equal(t, ConferenceNone, snap.Mode)
	requireConferenceInvariant(t, p)

	// Гасится только нога комнаты, индивидуальные сессии живы
	assert.Equal(t, 1, tr.terminatedCount())
	assert.Equal(t, 2, p.registry.Count())
	for _, id := range []string{a, b} {
		s, ok := p.registry.Get(id)
		require.True(t, ok)
		assert.False(t, s.IsInConference)
	}

	// Обычная политика вернулась: размьючен только активный
	assert.Equal(t, 1, p.router.UnmutedCount())
}

func TestDisableConferenceNotRunning(t *testing.T) {
	p, _, _, _ := newTestPhone(t)

	err := p.DisableConference(context.Background())
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrorCodeInvalidState, perr.Code)
}

func TestConferenceDissolvesBelowTwoParticipants(t *testing.T) {
	p, tr, _, _ := newTestPhone(t)
	wireConferenceTransport(p, tr)

	a := dialAndConnect(t, p, "1002")
	b := dialAndConnect(t, p, "1003")
	require.NoError(t, p.EnableConference(context.Background()))

	// Участник B уходит: транспорт сообщает о завершении его ноги
	s, _ := p.registry.Get(b)
	p.handleTransportEvent(TransportEvent{Type: EventTerminated, Handle: s.Handle})

	snap := p.Snapshot().Conference
	assert.Equal(t, ConferenceNone, snap.Mode)
	requireConferenceInvariant(t, p)

	cur, ok := p.registry.Get(a)
	require.True(t, ok)
	assert.False(t, cur.IsInConference)

	// Нога комнаты гасится best-effort в фоне
	require.Eventually(t, func() bool {
		return tr.terminatedCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestKickParticipant(t *testing.T) {
	p, tr, _, _ := newTestPhone(t)
	wireConferenceTransport(p, tr)

	dialAndConnect(t, p, "1002")
	b := dialAndConnect(t, p, "1003")
	c := dialAndConnect(t, p, "1004")
	require.NoError(t, p.EnableConference(context.Background()))
	require.Equal(t, 3, len(p.Snapshot().Conference.Participants))

	require.NoError(t, p.KickParticipant(context.Background(), b))

	// Нога исключенного гасится, остальные не тронуты
	assert.Equal(t, 1, tr.terminatedCount())

	// Сессия удаляется обычным путем по событию транспорта
	s, _ := p.registry.Get(b)
	p.handleTransportEvent(TransportEvent{Type: EventTerminated, Handle: s.Handle})

	snap := p.Snapshot().Conference
	assert.Equal(t, ConferenceActive, snap.Mode)
	assert.Len(t, snap.Participants, 2)
	assert.NotContains(t, snap.Participants, b)
	assert.Contains(t, snap.Participants, c)
	requireConferenceInvariant(t, p)
}

func TestMuteParticipant(t *testing.T) {
	p, tr, _, _ := newTestPhone(t)
	wireConferenceTransport(p, tr)

	a := dialAndConnect(t, p, "1002")
	b := dialAndConnect(t, p, "1003")
	require.NoError(t, p.EnableConference(context.Background()))
	require.False(t, p.router.IsMuted(b))

	require.NoError(t, p.MuteParticipant(context.Background(), b))
	assert.Len(t, tr.mutedLegs, 1)
	assert.True(t, p.router.IsMuted(b))
	assert.False(t, p.router.IsMuted(a))

	require.NoError(t, p.UnmuteParticipant(context.Background(), b))
	assert.False(t, p.router.IsMuted(b))
}

func TestParticipantOperationsOutsideConference(t *testing.T) {
	p, _, _, _ := newTestPhone(t)
	id := dialAndConnect(t, p, "1002")

	for name, op := range map[string]func() error{
		"mute":   func() error { return p.MuteParticipant(context.Background(), id) },
		"unmute": func() error { return p.UnmuteParticipant(context.Background(), id) },
		"hold":   func() error { return p.HoldParticipant(context.Background(), id) },
		"kick":   func() error { return p.KickParticipant(context.Background(), id) },
	} {
		err := op()
		var perr *Error
		require.ErrorAs(t, err, &perr, name)
		assert.Equal(t, ErrorCodeConference, perr.Code, name)
	}
}

func TestHoldParticipantMutes(t *testing.T) {
	p, tr, _, _ := newTestPhone(t)
	wireConferenceTransport(p, tr)

	dialAndConnect(t, p, "1002")
	b := dialAndConnect(t, p, "1003")
	require.NoError(t, p.EnableConference(context.Background()))

	require.NoError(t, p.HoldParticipant(context.Background(), b))
	s, _ := p.registry.Get(b)
	assert.True(t, s.IsOnHold)
	assert.True(t, p.router.IsMuted(b))

	require.NoError(t, p.UnholdParticipant(context.Background(), b))
	s, _ = p.registry.Get(b)
	assert.False(t, s.IsOnHold)
	assert.False(t, p.router.IsMuted(b))
}
