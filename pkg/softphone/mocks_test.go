package softphone

import (
	"context"
	"errors"
	"sync"
)

// mockHandle непрозрачный handle мокового транспорта.
type mockHandle struct {
	target string
}

// mockTransport - скриптуемый транспорт для тестов. События можно
// доставлять телефону напрямую через dispatch, что делает сценарии
// полностью детерминированными.
type mockTransport struct {
	mu     sync.Mutex
	events chan TransportEvent

	registerErr error
	inviteErr   error
	joinErr     error
	transferErr error
	holdErr     error

	invited     []string
	joinedRooms []string

	// acceptErrs ошибки последовательных вызовов Accept (nil - успех)
	acceptErrs  []error
	acceptCalls int

	terminated []TransportHandle
	held       []TransportHandle
	resumed    []TransportHandle
	mutedLegs  []TransportHandle

	// transferOrder порядок начатых переводов
	transferOrder []TransportHandle

	// onInvite вызывается синхронно из Invite с handle новой ноги
	// до его возврата вызывающей стороне
	onInvite func(h TransportHandle, target string)

	// onTransfer вызывается синхронно из TransferToRoom: тест
	// имитирует транспорт, завершающий перевод событием
	onTransfer func(h TransportHandle, roomID string)

	// onJoin вызывается синхронно из JoinRoom с handle новой ноги
	onJoin func(h TransportHandle, roomID string)
}

func newMockTransport() *mockTransport {
	return &mockTransport{events: make(chan TransportEvent, 32)}
}

func (m *mockTransport) Register(ctx context.Context) error {
	return m.registerErr
}

func (m *mockTransport) Invite(ctx context.Context, target string) (TransportHandle, error) {
	m.mu.Lock()
	if m.inviteErr != nil {
		m.mu.Unlock()
		return nil, m.inviteErr
	}
	m.invited = append(m.invited, target)
	hook := m.onInvite
	m.mu.Unlock()

	h := &mockHandle{target: target}
	if hook != nil {
		hook(h, target)
	}
	return h, nil
}

func (m *mockTransport) Accept(ctx context.Context, h TransportHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := m.acceptCalls
	m.acceptCalls++
	if call < len(m.acceptErrs) {
		return m.acceptErrs[call]
	}
	return nil
}

func (m *mockTransport) Terminate(ctx context.Context, h TransportHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = append(m.terminated, h)
	return nil
}

func (m *mockTransport) Hold(ctx context.Context, h TransportHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holdErr != nil {
		return m.holdErr
	}
	m.held = append(m.held, h)
	return nil
}

func (m *mockTransport) Resume(ctx context.Context, h TransportHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumed = append(m.resumed, h)
	return nil
}

func (m *mockTransport) TransferToRoom(ctx context.Context, h TransportHandle, roomID string) error {
	m.mu.Lock()
	if m.transferErr != nil {
		m.mu.Unlock()
		return m.transferErr
	}
	m.transferOrder = append(m.transferOrder, h)
	hook := m.onTransfer
	m.mu.Unlock()

	if hook != nil {
		hook(h, roomID)
	}
	return nil
}

func (m *mockTransport) JoinRoom(ctx context.Context, roomID string) (TransportHandle, error) {
	m.mu.Lock()
	if m.joinErr != nil {
		m.mu.Unlock()
		return nil, m.joinErr
	}
	m.joinedRooms = append(m.joinedRooms, roomID)
	hook := m.onJoin
	m.mu.Unlock()

	h := &mockHandle{target: "room:" + roomID}
	if hook != nil {
		hook(h, roomID)
	}
	return h, nil
}

func (m *mockTransport) MuteLeg(ctx context.Context, h TransportHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutedLegs = append(m.mutedLegs, h)
	return nil
}

func (m *mockTransport) UnmuteLeg(ctx context.Context, h TransportHandle) error {
	return nil
}

func (m *mockTransport) Events() <-chan TransportEvent {
	return m.events
}

func (m *mockTransport) terminatedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.terminated)
}

// mockSink приемник аудио с учетом состояния mute.
type mockSink struct {
	mu     sync.Mutex
	muted  bool
	closed bool
}

func (s *mockSink) SetMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
	return nil
}

func (s *mockSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// mockSinkFactory учитывает созданные приемники по сессиям.
type mockSinkFactory struct {
	mu    sync.Mutex
	sinks map[string]*mockSink
	err   error
}

func newMockSinkFactory() *mockSinkFactory {
	return &mockSinkFactory{sinks: make(map[string]*mockSink)}
}

func (f *mockSinkFactory) create(sessionID string) (AudioSink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sink := &mockSink{muted: true}
	f.sinks[sessionID] = sink
	return sink, nil
}

// mockTones генератор тонов с учетом активных тонов по сессиям.
type mockTones struct {
	mu     sync.Mutex
	active map[string]string // sessionID -> ringback|ringtone
}

func newMockTones() *mockTones {
	return &mockTones{active: make(map[string]string)}
}

func (t *mockTones) start(sessionID, kind string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[sessionID]; ok {
		return errors.New("тон уже играет")
	}
	t.active[sessionID] = kind
	return nil
}

func (t *mockTones) StartRingback(sessionID string) error {
	return t.start(sessionID, "ringback")
}

func (t *mockTones) StartRingtone(sessionID string) error {
	return t.start(sessionID, "ringtone")
}

func (t *mockTones) Stop(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, sessionID)
}

func (t *mockTones) Active(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[sessionID]
	return ok
}

func (t *mockTones) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = make(map[string]string)
}

func (t *mockTones) kind(sessionID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[sessionID]
}
