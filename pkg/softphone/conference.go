package softphone

import (
	"context"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// События автомата конференции.
const (
	confEventForm     = "form"
	confEventActivate = "activate"
	confEventDissolve = "dissolve"
)

// conference - оркестратор слияния ног в конференц-мост.
//
// Слияние выполняется переводом (transfer) каждой установленной ноги
// в серверную комнату. Переводы строго последовательны: следующий
// не начинается, пока транспорт не сообщит о завершении предыдущего, -
// иначе мост получает накладывающиеся запросы на вход в комнату.
//
// Защита состояния: все поля мутируются под p.mu телефона-владельца.
type conference struct {
	p *Phone

	m      *fsm.FSM
	roomID string
	// participants идентификаторы сессий-участников
	participants map[string]bool
	// roomLeg handle ноги инициатора к комнате
	roomLeg TransportHandle

	// waiters ожидающие операции по handle ноги: перевод или
	// установление ноги комнаты. Каналы буферизованы, доставка
	// не блокирует цикл событий.
	waiters map[TransportHandle]chan TransportEvent
}

// newConference создает оркестратор в режиме none.
func newConference(p *Phone) *conference {
	return &conference{
		p: p,
		m: fsm.NewFSM(
			string(ConferenceNone),
			fsm.Events{
				{Name: confEventForm, Src: []string{string(ConferenceNone)}, Dst: string(ConferenceForming)},
				{Name: confEventActivate, Src: []string{string(ConferenceForming)}, Dst: string(ConferenceActive)},
				{Name: confEventDissolve, Src: []string{string(ConferenceForming), string(ConferenceActive)}, Dst: string(ConferenceNone)},
			},
			nil,
		),
		participants: make(map[string]bool),
		waiters:      make(map[TransportHandle]chan TransportEvent),
	}
}

// modeLocked возвращает текущий режим. Вызывается под p.mu.
func (c *conference) modeLocked() ConferenceMode {
	return ConferenceMode(c.m.Current())
}

// participantsLocked возвращает ссылку на множество участников.
// Вызывается под p.mu; вызывающая сторона не мутирует результат.
func (c *conference) participantsLocked() map[string]bool {
	return c.participants
}

// snapshotLocked строит срез состояния конференции под p.mu.
func (c *conference) snapshotLocked() ConferenceSnapshot {
	ids := make([]string, 0, len(c.participants))
	for id := range c.participants {
		ids = append(ids, id)
	}
	return ConferenceSnapshot{
		RoomID:       c.roomID,
		Participants: ids,
		Mode:         c.modeLocked(),
	}
}

// deliver перехватывает событие транспорта, если его ждет операция
// конференции. Возвращает true, если событие поглощено.
func (c *conference) deliver(ev TransportEvent) bool {
	if ev.Handle == nil {
		return false
	}
	switch ev.Type {
	case EventTransferDone, EventEstablished, EventFailed:
	default:
		return false
	}

	c.p.mu.Lock()
	ch, ok := c.waiters[ev.Handle]
	if ok {
		delete(c.waiters, ev.Handle)
	}
	c.p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- ev
	return true
}

// addWaiter регистрирует ожидание события для handle.
func (c *conference) addWaiter(h TransportHandle) chan TransportEvent {
	ch := make(chan TransportEvent, 1)
	c.p.mu.Lock()
	c.waiters[h] = ch
	c.p.mu.Unlock()
	return ch
}

// dropWaiter снимает ожидание (операция прервана до события).
func (c *conference) dropWaiter(h TransportHandle) {
	c.p.mu.Lock()
	delete(c.waiters, h)
	c.p.mu.Unlock()
}

// await блокирует до события или отмены контекста.
func (c *conference) await(ctx context.Context, h TransportHandle, ch chan TransportEvent) (TransportEvent, error) {
	select {
	case <-ctx.Done():
		c.dropWaiter(h)
		return TransportEvent{}, ctx.Err()
	case ev := <-ch:
		return ev, nil
	}
}

// removeParticipantLocked выводит сессию из конференции при ее
// удалении из реестра. Если участников остается меньше двух,
// активная конференция распускается. Вызывается под p.mu.
func (c *conference) removeParticipantLocked(sessionID string) {
	if !c.participants[sessionID] {
		return
	}
	delete(c.participants, sessionID)

	if c.modeLocked() == ConferenceActive && len(c.participants) < 2 {
		c.dissolveLocked()
	}
}

// dissolveLocked сбрасывает состояние конференции в none и гасит
// ногу комнаты. Вызывается под p.mu; нога завершается best-effort,
// не блокируя вызывающую сторону.
func (c *conference) dissolveLocked() {
	_ = c.m.Event(context.Background(), confEventDissolve)
	c.roomID = ""
	for id := range c.participants {
		if s, ok := c.p.registry.Get(id); ok {
			s.IsInConference = false
		}
		delete(c.participants, id)
	}
	if c.roomLeg != nil {
		leg := c.roomLeg
		c.roomLeg = nil
		go func() {
			_ = c.p.cfg.Transport.Terminate(context.Background(), leg)
		}()
	}
}

// EnableConference объединяет все установленные сессии в конференцию.
//
// Требуется минимум две сессии в состоянии connected. Алгоритм:
//  1. выбирается идентификатор комнаты;
//  2. каждая установленная сессия, кроме инициатора, переводится в
//     комнату, причем следующий перевод начинается только после
//     подтверждения завершения предыдущего;
//  3. инициатор устанавливает собственную ногу к комнате; по успеху
//     конференция переходит в режим active.
//
// Любой сбой перевода прерывает оставшуюся последовательность:
// уже переведенные ноги остаются в комнате, несогласованность
// поднимается наверх как ConferenceError, без тихих повторов.
func (p *Phone) EnableConference(ctx context.Context) error {
	c := p.conf

	p.mu.Lock()
	if c.modeLocked() != ConferenceNone {
		p.mu.Unlock()
		return newError(ErrorCodeInvalidState, "конференция уже идет")
	}
	var connected []legRef
	for _, s := range p.registry.List() {
		if s.Status == StatusConnected {
			connected = append(connected, legRef{id: s.ID, handle: s.Handle})
		}
	}
	if len(connected) < 2 {
		p.mu.Unlock()
		return newError(ErrorCodeConference, "для конференции нужно минимум два установленных вызова")
	}

	// Инициатор слияния - активная сессия, если она установлена
	initiator := connected[0]
	if active, ok := p.registry.Active(); ok && active.Status == StatusConnected {
		initiator = legRef{id: active.ID, handle: active.Handle}
	}

	roomID := uuid.NewString()
	_ = c.m.Event(context.Background(), confEventForm)
	c.roomID = roomID
	p.mu.Unlock()
	p.publish(nil)

	p.logger.Info("softphone.conference forming", "room_id", roomID,
		"participants", len(connected))

	// Шаг 2: строго последовательные переводы
	for _, leg := range connected {
		if leg.id == initiator.id {
			continue
		}
		if err := c.transferLeg(ctx, leg, roomID); err != nil {
			p.metrics.Transfer("failed")
			p.publish(err)
			return err
		}
		p.metrics.Transfer("ok")
		p.publish(nil)
	}

	// Шаг 3: инициатор присоединяется к комнате новой ногой
	if err := c.joinRoom(ctx, initiator, roomID); err != nil {
		p.metrics.Transfer("failed")
		p.publish(err)
		return err
	}
	p.metrics.Transfer("ok")

	p.mu.Lock()
	_ = c.m.Event(context.Background(), confEventActivate)
	p.applyAudioLocked()
	p.mu.Unlock()

	p.logger.Info("softphone.conference active", "room_id", roomID)
	p.publish(nil)
	return nil
}

// legRef снимок идентификации ноги, сделанный под p.mu.
type legRef struct {
	id     string
	handle TransportHandle
}

// transferLeg переводит одну ногу в комнату и дожидается
// подтверждения завершения перевода.
func (c *conference) transferLeg(ctx context.Context, leg legRef, roomID string) *Error {
	ch := c.addWaiter(leg.handle)
	if err := c.p.cfg.Transport.TransferToRoom(ctx, leg.handle, roomID); err != nil {
		c.dropWaiter(leg.handle)
		confErr := wrapError(ErrorCodeConference, "не удалось начать перевод в комнату", err)
		confErr.SessionID = leg.id
		return confErr
	}

	ev, err := c.await(ctx, leg.handle, ch)
	if err != nil {
		confErr := wrapError(ErrorCodeConference, "ожидание завершения перевода прервано", err)
		confErr.SessionID = leg.id
		return confErr
	}
	if ev.Type == EventFailed {
		// Нога умерла посреди перевода: обычная очистка отказа,
		// последовательность слияния прервана
		c.p.handleFailed(ev)
		return newSessionError(ErrorCodeConference, leg.id, "нога завершилась во время перевода")
	}
	if ev.Type != EventTransferDone || !ev.Success {
		confErr := newSessionError(ErrorCodeConference, leg.id, "перевод в комнату отклонен")
		if ev.Reason != "" {
			confErr.Message = ev.Reason
		}
		return confErr
	}

	c.p.mu.Lock()
	if cur, ok := c.p.registry.Get(leg.id); ok {
		cur.IsInConference = true
		c.participants[cur.ID] = true
	}
	c.p.mu.Unlock()
	return nil
}

// joinRoom устанавливает ногу инициатора к комнате. Установление
// может прийти раньше, чем JoinRoom вернет handle новой ноги, -
// такое событие ждет в буфере непривязанных ног и забирается здесь
// строго по своему handle, не затрагивая конкурентно набираемые ноги.
func (c *conference) joinRoom(ctx context.Context, initiator legRef, roomID string) *Error {
	c.p.mu.Lock()
	c.p.pendingBinds++
	c.p.mu.Unlock()

	leg, err := c.p.cfg.Transport.JoinRoom(ctx, roomID)

	c.p.mu.Lock()
	c.p.pendingBinds--
	if err != nil {
		c.p.mu.Unlock()
		confErr := wrapError(ErrorCodeConference, "не удалось установить ногу к комнате", err)
		confErr.SessionID = initiator.id
		return confErr
	}
	ev, claimed := c.p.unbound[leg]
	var ch chan TransportEvent
	if claimed {
		delete(c.p.unbound, leg)
	} else {
		ch = make(chan TransportEvent, 1)
		c.waiters[leg] = ch
	}
	c.p.mu.Unlock()

	if !claimed {
		var waitErr error
		ev, waitErr = c.await(ctx, leg, ch)
		if waitErr != nil {
			confErr := wrapError(ErrorCodeConference, "ожидание входа в комнату прервано", waitErr)
			confErr.SessionID = initiator.id
			return confErr
		}
	}
	if ev.Type != EventEstablished {
		confErr := newSessionError(ErrorCodeConference, initiator.id, "вход в комнату отклонен")
		if ev.Reason != "" {
			confErr.Message = ev.Reason
		}
		return confErr
	}

	c.p.mu.Lock()
	c.roomLeg = leg
	if cur, ok := c.p.registry.Get(initiator.id); ok {
		cur.IsInConference = true
		c.participants[cur.ID] = true
	}
	c.p.mu.Unlock()
	return nil
}

// DisableConference распускает конференцию.
//
// Принятая политика - отсоединение, не полное завершение: гасится
// только нога комнаты, индивидуальные сессии участников остаются
// живыми прямыми вызовами и возвращаются под обычную политику
// "размьючен только активный".
func (p *Phone) DisableConference(ctx context.Context) error {
	c := p.conf

	p.mu.Lock()
	if c.modeLocked() == ConferenceNone {
		p.mu.Unlock()
		return newError(ErrorCodeInvalidState, "конференция не идет")
	}
	leg := c.roomLeg
	c.roomLeg = nil
	_ = c.m.Event(context.Background(), confEventDissolve)
	c.roomID = ""
	for id := range c.participants {
		if s, ok := p.registry.Get(id); ok {
			s.IsInConference = false
		}
		delete(c.participants, id)
	}
	p.applyAudioLocked()
	p.mu.Unlock()

	var termErr error
	if leg != nil {
		termErr = p.cfg.Transport.Terminate(ctx, leg)
	}
	p.publish(nil)
	if termErr != nil {
		return wrapError(ErrorCodeConference, "ошибка завершения ноги комнаты", termErr)
	}
	return nil
}

// participantHandle возвращает handle сессии-участника конференции.
func (p *Phone) participantHandle(sessionID string) (TransportHandle, *Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.conf.participants[sessionID] {
		return nil, newSessionError(ErrorCodeConference, sessionID, "сессия не участвует в конференции")
	}
	s, ok := p.registry.Get(sessionID)
	if !ok {
		return nil, newSessionError(ErrorCodeSessionNotFound, sessionID, "сессия не найдена")
	}
	return s.Handle, nil
}

// MuteParticipant мьютит участника на стороне моста.
func (p *Phone) MuteParticipant(ctx context.Context, sessionID string) error {
	h, perr := p.participantHandle(sessionID)
	if perr != nil {
		return perr
	}
	if err := p.cfg.Transport.MuteLeg(ctx, h); err != nil {
		return wrapError(ErrorCodeConference, "не удалось замьютить участника", err)
	}
	p.mu.Lock()
	p.router.SetForcedMute(sessionID, true)
	p.applyAudioLocked()
	p.mu.Unlock()
	p.publish(nil)
	return nil
}

// UnmuteParticipant снимает mute участника.
func (p *Phone) UnmuteParticipant(ctx context.Context, sessionID string) error {
	h, perr := p.participantHandle(sessionID)
	if perr != nil {
		return perr
	}
	if err := p.cfg.Transport.UnmuteLeg(ctx, h); err != nil {
		return wrapError(ErrorCodeConference, "не удалось размьютить участника", err)
	}
	p.mu.Lock()
	p.router.SetForcedMute(sessionID, false)
	p.applyAudioLocked()
	p.mu.Unlock()
	p.publish(nil)
	return nil
}

// HoldParticipant ставит ногу участника на удержание моста.
func (p *Phone) HoldParticipant(ctx context.Context, sessionID string) error {
	h, perr := p.participantHandle(sessionID)
	if perr != nil {
		return perr
	}
	if err := p.cfg.Transport.Hold(ctx, h); err != nil {
		return wrapError(ErrorCodeConference, "не удалось поставить участника на удержание", err)
	}
	p.mu.Lock()
	if s, ok := p.registry.Get(sessionID); ok {
		s.IsOnHold = true
	}
	p.applyAudioLocked()
	p.mu.Unlock()
	p.publish(nil)
	return nil
}

// UnholdParticipant снимает участника с удержания.
func (p *Phone) UnholdParticipant(ctx context.Context, sessionID string) error {
	h, perr := p.participantHandle(sessionID)
	if perr != nil {
		return perr
	}
	if err := p.cfg.Transport.Resume(ctx, h); err != nil {
		return wrapError(ErrorCodeConference, "не удалось снять участника с удержания", err)
	}
	p.mu.Lock()
	if s, ok := p.registry.Get(sessionID); ok {
		s.IsOnHold = false
	}
	p.applyAudioLocked()
	p.mu.Unlock()
	p.publish(nil)
	return nil
}

// KickParticipant удаляет одного участника из комнаты, не завершая
// остальные ноги. Нога участника гасится; его сессия удаляется
// обычным путем по событию EventTerminated от транспорта.
func (p *Phone) KickParticipant(ctx context.Context, sessionID string) error {
	h, perr := p.participantHandle(sessionID)
	if perr != nil {
		return perr
	}
	if err := p.cfg.Transport.Terminate(ctx, h); err != nil {
		return wrapError(ErrorCodeConference, "не удалось исключить участника", err)
	}
	p.publish(nil)
	return nil
}
