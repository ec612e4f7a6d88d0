package softphone

import (
	"context"
	"errors"
	"time"

	"github.com/looplab/fsm"
)

// События машины состояний вызова. Состояния совпадают со значениями
// Status, поэтому текущее состояние FSM напрямую присваивается в
// Session.Status.
const (
	callEventDial      = "dial"
	callEventIncoming  = "incoming"
	callEventEstablish = "establish"
	callEventFail      = "fail"
	callEventTerminate = "terminate"
)

// sessionFSM обертка конечного автомата одной сессии.
type sessionFSM struct {
	m *fsm.FSM
}

// newCallFSM создает автомат жизненного цикла вызова:
//
//	idle -> connecting            (локальный набор)
//	idle -> ringing               (входящее уведомление)
//	connecting|ringing -> connected (установление)
//	connecting|ringing -> failed    (отказ, таймаут, отмена)
//	connected -> terminating        (завершение)
func newCallFSM() *sessionFSM {
	return &sessionFSM{
		m: fsm.NewFSM(
			string(StatusIdle),
			fsm.Events{
				{Name: callEventDial, Src: []string{string(StatusIdle)}, Dst: string(StatusConnecting)},
				{Name: callEventIncoming, Src: []string{string(StatusIdle)}, Dst: string(StatusRinging)},
				{Name: callEventEstablish, Src: []string{string(StatusConnecting), string(StatusRinging)}, Dst: string(StatusConnected)},
				{Name: callEventFail, Src: []string{string(StatusConnecting), string(StatusRinging)}, Dst: string(StatusFailed)},
				{Name: callEventTerminate, Src: []string{string(StatusConnected)}, Dst: string(StatusTerminating)},
			},
			nil,
		),
	}
}

// fireLocked выполняет переход FSM сессии и синхронизирует Status.
// Вызывается под p.mu.
func (p *Phone) fireLocked(s *Session, event string) error {
	f, ok := p.fsms[s.ID]
	if !ok {
		return newSessionError(ErrorCodeSessionNotFound, s.ID, "автомат состояний не найден")
	}
	if err := f.m.Event(context.Background(), event); err != nil {
		return &Error{
			Code:      ErrorCodeInvalidState,
			Message:   "недопустимый переход состояния: " + event,
			SessionID: s.ID,
			Wrapped:   err,
		}
	}
	s.Status = Status(f.m.Current())
	return nil
}

// Dial инициирует исходящий вызов на номер target.
// Сессия переходит в connecting, играет ringback, handle транспорта
// сохраняется после возврата Invite.
func (p *Phone) Dial(ctx context.Context, target string) (string, error) {
	p.mu.Lock()
	s := p.registry.Create(DirectionOutgoing, target)
	p.fsms[s.ID] = newCallFSM()
	if err := p.fireLocked(s, callEventDial); err != nil {
		p.removeSessionLocked(s)
		p.mu.Unlock()
		return "", err
	}
	if err := p.tones.StartRingback(s.ID); err != nil {
		p.logger.Warn("softphone.ringback failed", "session_id", s.ID, "error", err)
	} else {
		p.metrics.ToneStarted()
	}
	p.metrics.CallCreated(DirectionOutgoing)
	// Установление может прийти раньше, чем Invite вернет handle:
	// такие события буферизуются до привязки
	p.pendingBinds++
	p.mu.Unlock()
	p.publish(nil)

	p.logger.Info("softphone.dial", "session_id", s.ID, "target", target)

	// Точка ожидания: транспортная операция выполняется без p.mu
	h, err := p.cfg.Transport.Invite(ctx, target)

	p.mu.Lock()
	p.pendingBinds--
	cur, alive := p.registry.Get(s.ID)
	if !alive {
		// Сессию успели отменить во время Invite
		if err == nil {
			delete(p.unbound, h)
		}
		p.mu.Unlock()
		if err == nil {
			_ = p.cfg.Transport.Terminate(context.Background(), h)
		}
		return s.ID, newSessionError(ErrorCodeCallCancelled, s.ID, "вызов отменен во время установления")
	}
	if err != nil {
		p.stopToneLocked(cur)
		_ = p.fireLocked(cur, callEventFail)
		p.history.Append(HistoryEntry{
			RemoteParty: cur.RemoteParty,
			Timestamp:   time.Now(),
			Outcome:     OutcomeFailed,
		})
		p.removeSessionLocked(cur)
		p.mu.Unlock()
		callErr := wrapError(ErrorCodeCallGeneric, "не удалось отправить вызов", err)
		callErr.SessionID = s.ID
		p.publish(callErr)
		return s.ID, callErr
	}
	cur.Handle = h
	pending, replay := p.unbound[h]
	if replay {
		delete(p.unbound, h)
	}
	p.mu.Unlock()

	if replay {
		// Событие, пришедшее до привязки handle, воспроизводится теперь
		p.handleTransportEvent(pending)
	}
	return s.ID, nil
}

// Answer отвечает на входящий вызов (сессию в состоянии ringing).
//
// Принятие может гоняться с отменой вызова удаленной стороной,
// поэтому на повторяемый код отказа Accept повторяется до
// AcceptRetries раз с нарастающей паузой. Если сессия исчезла
// посреди повторов, операция прерывается с кодом CallCancelled.
func (p *Phone) Answer(ctx context.Context) error {
	p.mu.Lock()
	var target *Session
	for _, s := range p.registry.List() {
		if s.Status == StatusRinging {
			target = s
			break
		}
	}
	if target == nil {
		p.mu.Unlock()
		return newError(ErrorCodeInvalidState, "нет входящего вызова для ответа")
	}
	id, h := target.ID, target.Handle
	p.mu.Unlock()

	for attempt := 0; ; attempt++ {
		err := p.cfg.Transport.Accept(ctx, h)
		if err == nil {
			// Установление придет событием EventEstablished
			return nil
		}

		var rej *RejectionError
		retryable := errors.As(err, &rej) && isRetryableAccept(rej.Code)
		if !retryable || attempt >= p.cfg.AcceptRetries {
			acceptErr := wrapError(ErrorCodeCallGeneric, "не удалось ответить на вызов", err)
			acceptErr.SessionID = id
			p.publish(acceptErr)
			return acceptErr
		}

		// Нарастающая пауза перед повтором
		backoff := p.cfg.AcceptBackoff[min(attempt, len(p.cfg.AcceptBackoff)-1)]
		select {
		case <-ctx.Done():
			return wrapError(ErrorCodeCallCancelled, "ответ прерван", ctx.Err())
		case <-time.After(backoff):
		}

		p.mu.Lock()
		cur, alive := p.registry.Get(id)
		stillRinging := alive && cur.Status == StatusRinging
		connected := alive && cur.Status == StatusConnected
		p.mu.Unlock()

		if !alive {
			cancelErr := newSessionError(ErrorCodeCallCancelled, id,
				"вызов отменен удаленной стороной во время ответа")
			p.publish(cancelErr)
			return cancelErr
		}
		if connected {
			// Гонка разрешилась в нашу пользу
			return nil
		}
		if !stillRinging {
			return newSessionError(ErrorCodeInvalidState, id, "сессия больше не в состоянии ringing")
		}
	}
}

// Reject отклоняет входящий вызов.
func (p *Phone) Reject(ctx context.Context) error {
	p.mu.Lock()
	var target *Session
	for _, s := range p.registry.List() {
		if s.Status == StatusRinging {
			target = s
			break
		}
	}
	if target == nil {
		p.mu.Unlock()
		return newError(ErrorCodeInvalidState, "нет входящего вызова для отклонения")
	}
	p.stopToneLocked(target)
	_ = p.fireLocked(target, callEventFail)
	p.history.Append(HistoryEntry{
		RemoteParty: target.RemoteParty,
		Timestamp:   time.Now(),
		Outcome:     OutcomeFailed,
	})
	h := target.Handle
	p.removeSessionLocked(target)
	p.mu.Unlock()

	err := p.cfg.Transport.Terminate(ctx, h)
	p.publish(nil)
	if err != nil {
		return wrapError(ErrorCodeTransport, "не удалось отклонить вызов", err)
	}
	return nil
}

// Hangup завершает сессию. Пустой sessionID означает активную сессию.
//
// Для еще не установленной сессии (connecting/ringing) это отмена
// ожидающего запроса, а не завершение разговора: записи в журнале
// не появляется. Для установленной сессии журналируется запись с
// вычисленной длительностью.
func (p *Phone) Hangup(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	var s *Session
	if sessionID == "" {
		active, ok := p.registry.Active()
		if !ok {
			p.mu.Unlock()
			return newError(ErrorCodeInvalidState, "нет активной сессии для завершения")
		}
		s = active
	} else {
		cur, ok := p.registry.Get(sessionID)
		if !ok {
			p.mu.Unlock()
			return newSessionError(ErrorCodeSessionNotFound, sessionID, "сессия не найдена")
		}
		s = cur
	}

	h := s.Handle
	switch s.Status {
	case StatusConnecting, StatusRinging:
		// Отмена ожидающего запроса
		p.stopToneLocked(s)
		_ = p.fireLocked(s, callEventFail)
		p.removeSessionLocked(s)
	case StatusConnected:
		_ = p.fireLocked(s, callEventTerminate)
		p.appendConnectedHistoryLocked(s)
		p.removeSessionLocked(s)
	default:
		p.mu.Unlock()
		return newSessionError(ErrorCodeInvalidState, s.ID, "сессию нельзя завершить в текущем состоянии")
	}
	p.applyAudioLocked()
	p.mu.Unlock()

	var termErr error
	if h != nil {
		termErr = p.cfg.Transport.Terminate(ctx, h)
	}
	p.publish(nil)
	if termErr != nil {
		return wrapError(ErrorCodeTransport, "ошибка завершения вызова", termErr)
	}
	return nil
}

// Hold ставит установленную сессию на удержание. Сессия остается
// активной, но аудио маршрутизатор ее мьютит.
func (p *Phone) Hold(ctx context.Context, sessionID string) error {
	return p.setHold(ctx, sessionID, true)
}

// Unhold снимает сессию с удержания.
func (p *Phone) Unhold(ctx context.Context, sessionID string) error {
	return p.setHold(ctx, sessionID, false)
}

func (p *Phone) setHold(ctx context.Context, sessionID string, hold bool) error {
	p.mu.Lock()
	s, ok := p.registry.Get(sessionID)
	if !ok {
		p.mu.Unlock()
		return newSessionError(ErrorCodeSessionNotFound, sessionID, "сессия не найдена")
	}
	if s.Status != StatusConnected {
		p.mu.Unlock()
		return newSessionError(ErrorCodeInvalidState, sessionID, "удержание возможно только для установленного вызова")
	}
	if s.IsOnHold == hold {
		p.mu.Unlock()
		return nil
	}
	h := s.Handle
	p.mu.Unlock()

	var err error
	if hold {
		err = p.cfg.Transport.Hold(ctx, h)
	} else {
		err = p.cfg.Transport.Resume(ctx, h)
	}
	if err != nil {
		return wrapError(ErrorCodeTransport, "операция удержания не удалась", err)
	}

	p.mu.Lock()
	if cur, ok := p.registry.Get(sessionID); ok {
		cur.IsOnHold = hold
	}
	p.applyAudioLocked()
	p.mu.Unlock()
	p.publish(nil)
	return nil
}

// Mute принудительно мьютит сессию локально. Перекрывает политику
// аудио маршрутизатора до вызова Unmute.
func (p *Phone) Mute(sessionID string) error {
	return p.setForcedMute(sessionID, true)
}

// Unmute снимает принудительный mute.
func (p *Phone) Unmute(sessionID string) error {
	return p.setForcedMute(sessionID, false)
}

func (p *Phone) setForcedMute(sessionID string, muted bool) error {
	p.mu.Lock()
	if _, ok := p.registry.Get(sessionID); !ok {
		p.mu.Unlock()
		return newSessionError(ErrorCodeSessionNotFound, sessionID, "сессия не найдена")
	}
	p.router.SetForcedMute(sessionID, muted)
	p.applyAudioLocked()
	p.mu.Unlock()
	p.publish(nil)
	return nil
}

// SwitchTo делает сессию активной. Чистая операция реестра и аудио
// маршрутизатора; если транспорт требует re-INVITE для
// перенаправления медиа, он выполняется через MediaRedirector.
func (p *Phone) SwitchTo(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	s, ok := p.registry.Get(sessionID)
	if !ok {
		p.mu.Unlock()
		return newSessionError(ErrorCodeSessionNotFound, sessionID, "сессия не найдена")
	}
	if s.Status != StatusConnected {
		p.mu.Unlock()
		return newSessionError(ErrorCodeInvalidState, sessionID, "активной может стать только установленная сессия")
	}
	if err := p.registry.SetActive(sessionID); err != nil {
		p.mu.Unlock()
		return err
	}
	h := s.Handle
	p.applyAudioLocked()
	p.mu.Unlock()

	if redirector, ok := p.cfg.Transport.(MediaRedirector); ok {
		if err := redirector.RedirectMedia(ctx, h); err != nil {
			return wrapError(ErrorCodeTransport, "не удалось перенаправить медиа", err)
		}
	}
	p.publish(nil)
	return nil
}

// AttachMedia - явный callback медиа коллаборатора о появлении
// удаленного медиа потока для сессии. Лениво создает аудио маршрут.
func (p *Phone) AttachMedia(sessionID string) error {
	p.mu.Lock()
	if _, ok := p.registry.Get(sessionID); !ok {
		p.mu.Unlock()
		return newSessionError(ErrorCodeSessionNotFound, sessionID, "сессия не найдена")
	}
	err := p.router.EnsureRoute(sessionID)
	if err == nil {
		p.applyAudioLocked()
	}
	p.mu.Unlock()
	if err != nil {
		var mediaErr *Error
		if errors.As(err, &mediaErr) {
			p.publish(mediaErr)
		}
		return err
	}
	p.publish(nil)
	return nil
}

// handleIncomingCall обрабатывает уведомление о входящем вызове.
// Новая сессия отслеживается независимо и не трогает состояние
// уже идущих вызовов.
func (p *Phone) handleIncomingCall(ev TransportEvent) {
	p.mu.Lock()
	s := p.registry.Create(DirectionIncoming, ev.RemoteParty)
	s.Handle = ev.Handle
	p.fsms[s.ID] = newCallFSM()
	if err := p.fireLocked(s, callEventIncoming); err != nil {
		p.removeSessionLocked(s)
		p.mu.Unlock()
		p.publish(err.(*Error))
		return
	}
	if err := p.tones.StartRingtone(s.ID); err != nil {
		p.logger.Warn("softphone.ringtone failed", "session_id", s.ID, "error", err)
	} else {
		p.metrics.ToneStarted()
	}
	p.metrics.CallCreated(DirectionIncoming)
	p.mu.Unlock()

	p.logger.Info("softphone.incoming", "session_id", s.ID, "remote", ev.RemoteParty)
	p.publish(nil)
}

// handleEstablished обрабатывает установление ноги.
// Тон гасится, фиксируется connectedAt, регистрируется аудио маршрут;
// если других активных сессий нет, сессия становится активной и
// размьючивается, иначе остается замьюченной до явного переключения.
func (p *Phone) handleEstablished(ev TransportEvent) {
	p.mu.Lock()
	s, ok := p.registry.findByHandle(ev.Handle)
	if !ok {
		if p.pendingBinds > 0 {
			// Handle еще не привязан к сессии: событие ждет в буфере,
			// пока Dial или вход в комнату не заберет его
			p.unbound[ev.Handle] = ev
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		p.logger.Warn("softphone.established unknown handle")
		return
	}
	p.stopToneLocked(s)
	if err := p.fireLocked(s, callEventEstablish); err != nil {
		p.mu.Unlock()
		p.publish(err.(*Error))
		return
	}
	if s.ConnectedAt.IsZero() {
		s.ConnectedAt = time.Now()
	}
	if err := p.router.EnsureRoute(s.ID); err != nil {
		p.logger.Warn("softphone.route failed", "session_id", s.ID, "error", err)
	}
	if _, hasActive := p.registry.Active(); !hasActive {
		_ = p.registry.SetActive(s.ID)
	}
	p.applyAudioLocked()
	p.mu.Unlock()

	p.logger.Info("softphone.established", "session_id", s.ID, "remote", s.RemoteParty)
	p.publish(nil)
}

// handleFailed обрабатывает отказ ноги: тон гасится, отказ
// классифицируется в пользовательскую категорию, журналируется
// запись с исходом failed, сессия удаляется. Жизненный цикл
// завершается полностью даже при поднятии ошибки наверх.
func (p *Phone) handleFailed(ev TransportEvent) {
	p.mu.Lock()
	s, ok := p.registry.findByHandle(ev.Handle)
	if !ok {
		if p.pendingBinds > 0 {
			p.unbound[ev.Handle] = ev
		}
		p.mu.Unlock()
		return
	}
	p.stopToneLocked(s)
	_ = p.fireLocked(s, callEventFail)
	p.history.Append(HistoryEntry{
		RemoteParty: s.RemoteParty,
		Timestamp:   time.Now(),
		Outcome:     OutcomeFailed,
	})
	id := s.ID
	p.removeSessionLocked(s)
	p.applyAudioLocked()
	p.mu.Unlock()

	callErr := Classify(ev.Code)
	callErr.SessionID = id
	p.logger.Info("softphone.failed", "session_id", id, "code", ev.Code,
		"category", callErr.Code.String())
	p.publish(callErr)
}

// handleTerminated обрабатывает завершение ноги удаленной стороной.
func (p *Phone) handleTerminated(ev TransportEvent) {
	p.mu.Lock()
	s, ok := p.registry.findByHandle(ev.Handle)
	if !ok {
		p.mu.Unlock()
		return
	}
	p.stopToneLocked(s)
	if s.Status == StatusConnected {
		_ = p.fireLocked(s, callEventTerminate)
		p.appendConnectedHistoryLocked(s)
	}
	id := s.ID
	p.removeSessionLocked(s)
	p.applyAudioLocked()
	p.mu.Unlock()

	p.logger.Info("softphone.terminated", "session_id", id)
	p.publish(nil)
}

// handleRemoteHold обрабатывает удержание, инициированное удаленной
// стороной: hold/unhold это переход connected -> connected, записи
// в журнале не появляется.
func (p *Phone) handleRemoteHold(ev TransportEvent) {
	p.mu.Lock()
	s, ok := p.registry.findByHandle(ev.Handle)
	if !ok || s.Status != StatusConnected {
		p.mu.Unlock()
		return
	}
	s.IsOnHold = ev.OnHold
	p.applyAudioLocked()
	p.mu.Unlock()
	p.publish(nil)
}

// appendConnectedHistoryLocked журналирует завершенный разговор
// с длительностью now - connectedAt. Вызывается под p.mu.
func (p *Phone) appendConnectedHistoryLocked(s *Session) {
	outcome := OutcomeOutgoing
	if s.Direction == DirectionIncoming {
		outcome = OutcomeIncoming
	}
	var duration time.Duration
	if !s.ConnectedAt.IsZero() {
		duration = time.Since(s.ConnectedAt)
	}
	p.history.Append(HistoryEntry{
		RemoteParty: s.RemoteParty,
		Timestamp:   time.Now(),
		Outcome:     outcome,
		Duration:    duration,
	})
	p.metrics.CallDuration(duration)
}

// stopToneLocked безусловно гасит тон сессии. Вызывается под p.mu.
func (p *Phone) stopToneLocked(s *Session) {
	if p.tones.Active(s.ID) {
		p.tones.Stop(s.ID)
		p.metrics.ToneStopped()
	}
}

// removeSessionLocked полностью выводит сессию из оборота: реестр
// (включая указатель активной сессии), конференция, аудио маршрут,
// тон, автомат состояний. Вызывается под p.mu.
func (p *Phone) removeSessionLocked(s *Session) {
	p.stopToneLocked(s)
	s.IsOnHold = false
	s.IsInConference = false
	p.conf.removeParticipantLocked(s.ID)
	p.router.Release(s.ID)
	p.registry.Remove(s.ID)
	delete(p.fsms, s.ID)
	p.metrics.CallRemoved()
}
