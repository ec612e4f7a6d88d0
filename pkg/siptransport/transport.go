package siptransport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/hcrcsolutions/oscc-softphone-sub000/pkg/softphone"
)

// Transport - sipgo реализация контракта softphone.Transport.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	// aor адрес записи пользователя, contact локальный контакт
	aor     sip.Uri
	contact sip.ContactHeader

	events chan softphone.TransportEvent

	// mu защищает карту ног
	mu   sync.Mutex
	legs map[string]*leg // ключ - Call-ID

	// emitMu сериализует публикацию событий с закрытием канала
	emitMu sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

var _ softphone.Transport = (*Transport)(nil)

// New создает транспорт и запускает прием входящей сигнализации.
func New(cfg Config) (*Transport, error) {
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "siptransport")

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("создание user agent: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("создание сервера: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("создание клиента: %w", err)
	}

	t := &Transport{
		cfg:    cfg,
		logger: logger,
		ua:     ua,
		server: server,
		client: client,
		events: make(chan softphone.TransportEvent, 32),
		legs:   make(map[string]*leg),
	}
	t.aor = sip.Uri{Scheme: "sip", User: cfg.Username, Host: cfg.Domain}
	t.contact = sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   cfg.Username,
			Host:   cfg.ListenAddr,
			Port:   cfg.ListenPort,
		},
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.setupHandlers()

	listenAddr := net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.ListenPort))
	go func() {
		if err := t.server.ListenAndServe(t.ctx, cfg.Protocol, listenAddr); err != nil {
			t.logger.Error("siptransport.listen stopped", "error", err)
		}
	}()

	logger.Info("siptransport.started",
		"listen", listenAddr, "protocol", cfg.Protocol, "server", cfg.Server)
	return t, nil
}

// Close останавливает транспорт и закрывает канал событий.
func (t *Transport) Close() {
	t.cancel()
	if t.server != nil {
		t.server.Close()
	}
	if t.client != nil {
		t.client.Close()
	}
	t.emitMu.Lock()
	t.closed = true
	close(t.events)
	t.emitMu.Unlock()
}

// Events возвращает поток событий транспорта.
func (t *Transport) Events() <-chan softphone.TransportEvent {
	return t.events
}

// emit публикует событие подписчику. После остановки транспорта
// события отбрасываются.
func (t *Transport) emit(ev softphone.TransportEvent) {
	t.emitMu.RLock()
	defer t.emitMu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// Register выполняет регистрацию на сервере. Успех подтверждается
// событием EventRegistration.
func (t *Transport) Register(ctx context.Context) error {
	host, port, err := splitServer(t.cfg.Server)
	if err != nil {
		return fmt.Errorf("некорректный адрес сервера %q: %w", t.cfg.Server, err)
	}

	req := sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: host, Port: port})
	req.AppendHeader(sip.NewHeader("Call-ID", newCallID()))
	req.AppendHeader(&sip.FromHeader{
		Address: t.aor,
		Params:  sip.HeaderParams{"tag": newTag()},
	})
	req.AppendHeader(&sip.ToHeader{Address: t.aor, Params: sip.HeaderParams{}})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(&t.contact)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(t.cfg.Expires)))

	res, err := t.client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("отправка REGISTER: %w", err)
	}
	if res.StatusCode != sip.StatusOK {
		return fmt.Errorf("регистрация отклонена: %d %s", res.StatusCode, res.Reason)
	}

	t.logger.Info("siptransport.registered", "aor", t.aor.String())
	t.emit(softphone.TransportEvent{
		Type:         softphone.EventRegistration,
		Registration: softphone.RegistrationActive,
	})
	return nil
}

// Invite инициирует исходящий вызов на абонента.
func (t *Transport) Invite(ctx context.Context, target string) (softphone.TransportHandle, error) {
	uri, err := t.targetURI(target)
	if err != nil {
		return nil, err
	}
	return t.dial(ctx, uri, target)
}

// JoinRoom устанавливает ногу к конференц-комнате.
func (t *Transport) JoinRoom(ctx context.Context, roomID string) (softphone.TransportHandle, error) {
	uri := sip.Uri{
		Scheme: "sip",
		User:   t.cfg.RoomUserPrefix + roomID,
		Host:   t.cfg.Domain,
	}
	return t.dial(ctx, uri, uri.User)
}

// dial отправляет INVITE и следит за ответами в фоне. Установление
// или отказ ноги приходят событиями EventEstablished / EventFailed.
func (t *Transport) dial(ctx context.Context, uri sip.Uri, remoteParty string) (softphone.TransportHandle, error) {
	l := &leg{
		callID:       newCallID(),
		localTag:     newTag(),
		isUAC:        true,
		remoteParty:  remoteParty,
		remoteTarget: uri,
	}

	invite := sip.NewRequest(sip.INVITE, uri)
	invite.AppendHeader(sip.NewHeader("Call-ID", l.callID))
	invite.AppendHeader(&sip.FromHeader{
		Address: t.aor,
		Params:  sip.HeaderParams{"tag": l.localTag},
	})
	invite.AppendHeader(&sip.ToHeader{Address: uri, Params: sip.HeaderParams{}})
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: l.nextCSeq(), MethodName: sip.INVITE})
	invite.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	invite.AppendHeader(&t.contact)

	body, err := t.buildSDP(directionSendRecv)
	if err != nil {
		return nil, fmt.Errorf("построение SDP offer: %w", err)
	}
	invite.SetBody(body)
	invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	invite.AppendHeader(sip.NewHeader("Content-Length", strconv.Itoa(len(body))))
	l.inviteReq = invite

	tx, err := t.client.TransactionRequest(ctx, invite)
	if err != nil {
		return nil, fmt.Errorf("отправка INVITE: %w", err)
	}

	t.addLeg(l)
	t.logger.Debug("siptransport.invite sent",
		"callID", l.callID, "target", uri.String())
	go t.watchInvite(l, tx)
	return l, nil
}

// watchInvite обрабатывает ответы на исходящий INVITE.
func (t *Transport) watchInvite(l *leg, tx sip.ClientTransaction) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case res, ok := <-tx.Responses():
			if !ok {
				t.removeLeg(l)
				t.emit(softphone.TransportEvent{
					Type:   softphone.EventFailed,
					Handle: l,
					Code:   408,
					Reason: "транзакция завершилась без финального ответа",
				})
				return
			}
			switch {
			case res.StatusCode < 200:
				// провизорный ответ, ждем финальный
			case res.StatusCode < 300:
				l.mu.Lock()
				l.inviteResp = res
				if tag, ok := res.To().Params.Get("tag"); ok {
					l.remoteTag = tag
				}
				if target, ok := contactAddress(res.GetHeader("Contact")); ok {
					l.remoteTarget = target
				}
				l.established = true
				l.mu.Unlock()

				if err := t.client.WriteRequest(l.buildACK(), sipgo.ClientRequestAddVia); err != nil {
					t.logger.Error("siptransport.ack failed",
						"callID", l.callID, "error", err)
				}
				t.emit(softphone.TransportEvent{
					Type:   softphone.EventEstablished,
					Handle: l,
				})
				return
			default:
				t.removeLeg(l)
				t.emit(softphone.TransportEvent{
					Type:   softphone.EventFailed,
					Handle: l,
					Code:   int(res.StatusCode),
					Reason: res.Reason,
				})
				return
			}
		}
	}
}

// Accept отвечает 200 OK на входящий INVITE. Установление ноги
// подтверждается событием EventEstablished при получении ACK.
func (t *Transport) Accept(ctx context.Context, h softphone.TransportHandle) error {
	l, err := t.legOf(h)
	if err != nil {
		return err
	}

	l.mu.Lock()
	tx := l.serverTx
	req := l.inviteReq
	l.mu.Unlock()
	if tx == nil {
		return &softphone.RejectionError{Code: 481, Reason: "нет ожидающего INVITE"}
	}
	select {
	case <-tx.Done():
		// Запрос уже отменен удаленной стороной
		return &softphone.RejectionError{Code: 487, Reason: "запрос отменен"}
	default:
	}

	answer, err := t.buildSDP(directionSendRecv)
	if err != nil {
		return fmt.Errorf("построение SDP answer: %w", err)
	}
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answer)
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.HeaderParams{}
		}
		to.Params["tag"] = l.localTag
	}
	res.AppendHeader(&t.contact)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	if err := tx.Respond(res); err != nil {
		return &softphone.RejectionError{Code: 500, Reason: err.Error()}
	}
	t.logger.Debug("siptransport.accepted", "callID", l.callID)
	return nil
}

// Terminate завершает ногу: BYE для установленной, CANCEL для
// исходящей ожидающей, отказ для входящей неотвеченной.
func (t *Transport) Terminate(ctx context.Context, h softphone.TransportHandle) error {
	l, err := t.legOf(h)
	if err != nil {
		return err
	}

	l.mu.Lock()
	established := l.established
	tx := l.serverTx
	l.mu.Unlock()

	defer t.removeLeg(l)

	switch {
	case established:
		bye := l.buildRequest(sip.BYE, &t.contact)
		reqCtx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
		defer cancel()
		res, err := t.client.Do(reqCtx, bye)
		if err != nil {
			return fmt.Errorf("отправка BYE: %w", err)
		}
		if res.StatusCode != sip.StatusOK {
			t.logger.Warn("siptransport.bye rejected",
				"callID", l.callID, "code", int(res.StatusCode))
		}
	case tx != nil:
		res := sip.NewResponseFromRequest(l.inviteReq, 603, "Decline", nil)
		if err := tx.Respond(res); err != nil {
			return fmt.Errorf("отказ входящего вызова: %w", err)
		}
	default:
		cancelReq := sip.NewRequest(sip.CANCEL, l.inviteReq.Recipient)
		cancelReq.AppendHeader(sip.NewHeader("Call-ID", l.callID))
		cancelReq.AppendHeader(l.inviteReq.From())
		cancelReq.AppendHeader(l.inviteReq.To())
		cancelReq.AppendHeader(&sip.CSeqHeader{
			SeqNo:      l.inviteReq.CSeq().SeqNo,
			MethodName: sip.CANCEL,
		})
		cancelReq.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
		if err := t.client.WriteRequest(cancelReq, sipgo.ClientRequestAddVia); err != nil {
			return fmt.Errorf("отправка CANCEL: %w", err)
		}
	}

	t.logger.Debug("siptransport.terminated", "callID", l.callID)
	return nil
}

// Hold ставит ногу на удержание через re-INVITE sendonly.
func (t *Transport) Hold(ctx context.Context, h softphone.TransportHandle) error {
	l, err := t.legOf(h)
	if err != nil {
		return err
	}
	if err := t.reinvite(ctx, l, directionSendOnly); err != nil {
		return err
	}
	l.mu.Lock()
	l.onHold = true
	l.mu.Unlock()
	return nil
}

// Resume снимает ногу с удержания.
func (t *Transport) Resume(ctx context.Context, h softphone.TransportHandle) error {
	l, err := t.legOf(h)
	if err != nil {
		return err
	}
	if err := t.reinvite(ctx, l, t.steadyDirection(l)); err != nil {
		return err
	}
	l.mu.Lock()
	l.onHold = false
	l.mu.Unlock()
	return nil
}

// MuteLeg глушит исходящий аудио поток ноги через re-INVITE recvonly.
func (t *Transport) MuteLeg(ctx context.Context, h softphone.TransportHandle) error {
	l, err := t.legOf(h)
	if err != nil {
		return err
	}
	if err := t.reinvite(ctx, l, directionRecvOnly); err != nil {
		return err
	}
	l.mu.Lock()
	l.muted = true
	l.mu.Unlock()
	return nil
}

// UnmuteLeg восстанавливает исходящий аудио поток ноги.
func (t *Transport) UnmuteLeg(ctx context.Context, h softphone.TransportHandle) error {
	l, err := t.legOf(h)
	if err != nil {
		return err
	}
	if err := t.reinvite(ctx, l, t.steadyDirection(l)); err != nil {
		return err
	}
	l.mu.Lock()
	l.muted = false
	l.mu.Unlock()
	return nil
}

// steadyDirection направление потока ноги без учета снимаемого флага.
func (t *Transport) steadyDirection(l *leg) mediaDirection {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.onHold {
		return directionSendOnly
	}
	if l.muted {
		return directionRecvOnly
	}
	return directionSendRecv
}

// reinvite отправляет внутридиалоговый INVITE с новым направлением
// медиа и подтверждает 2xx ответ ACK-ом.
func (t *Transport) reinvite(ctx context.Context, l *leg, dir mediaDirection) error {
	l.mu.Lock()
	established := l.established
	l.mu.Unlock()
	if !established {
		return fmt.Errorf("re-INVITE только для установленной ноги")
	}

	req := l.buildRequest(sip.INVITE, &t.contact)
	body, err := t.buildSDP(dir)
	if err != nil {
		return fmt.Errorf("построение SDP offer: %w", err)
	}
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.AppendHeader(sip.NewHeader("Content-Length", strconv.Itoa(len(body))))

	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	res, err := t.client.Do(reqCtx, req)
	if err != nil {
		return fmt.Errorf("отправка re-INVITE: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("re-INVITE отклонен: %d %s", res.StatusCode, res.Reason)
	}

	if err := t.client.WriteRequest(l.ackFor(req, res), sipgo.ClientRequestAddVia); err != nil {
		t.logger.Error("siptransport.ack failed", "callID", l.callID, "error", err)
	}
	t.logger.Debug("siptransport.reinvite ok",
		"callID", l.callID, "direction", string(dir))
	return nil
}

// TransferToRoom переводит ногу в конференц-комнату через REFER.
// Итог операции приходит событием EventTransferDone: либо по отказу
// на сам REFER, либо по NOTIFY с финальным статусом перевода.
func (t *Transport) TransferToRoom(ctx context.Context, h softphone.TransportHandle, roomID string) error {
	l, err := t.legOf(h)
	if err != nil {
		return err
	}
	l.mu.Lock()
	established := l.established
	l.mu.Unlock()
	if !established {
		return fmt.Errorf("перевод только для установленной ноги")
	}

	roomURI := sip.Uri{
		Scheme: "sip",
		User:   t.cfg.RoomUserPrefix + roomID,
		Host:   t.cfg.Domain,
	}
	req := l.buildRequest(sip.REFER, &t.contact)
	req.AppendHeader(sip.NewHeader("Refer-To", fmt.Sprintf("<%s>", roomURI.String())))
	req.AppendHeader(sip.NewHeader("Referred-By", fmt.Sprintf("<%s>", t.aor.String())))

	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("отправка REFER: %w", err)
	}

	t.logger.Debug("siptransport.refer sent",
		"callID", l.callID, "room", roomURI.String())
	go t.watchRefer(l, tx)
	return nil
}

// watchRefer обрабатывает ответы на REFER. Принятый перевод (202)
// завершается позже NOTIFY-ем, отказ публикуется сразу.
func (t *Transport) watchRefer(l *leg, tx sip.ClientTransaction) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case res, ok := <-tx.Responses():
			if !ok {
				t.emit(softphone.TransportEvent{
					Type:   softphone.EventTransferDone,
					Handle: l,
					Code:   408,
					Reason: "REFER без финального ответа",
				})
				return
			}
			if res.StatusCode < 200 {
				continue
			}
			if res.StatusCode >= 300 {
				t.emit(softphone.TransportEvent{
					Type:   softphone.EventTransferDone,
					Handle: l,
					Code:   int(res.StatusCode),
					Reason: res.Reason,
				})
			}
			return
		}
	}
}

// splitServer разбирает адрес сервера host:port; порт опционален.
func splitServer(server string) (string, int, error) {
	if !strings.Contains(server, ":") {
		return server, 5060, nil
	}
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// targetURI строит URI назначения: голый номер дополняется доменом.
func (t *Transport) targetURI(target string) (sip.Uri, error) {
	if strings.Contains(target, "@") || strings.HasPrefix(target, "sip:") {
		var uri sip.Uri
		raw := target
		if !strings.HasPrefix(raw, "sip:") && !strings.HasPrefix(raw, "sips:") {
			raw = "sip:" + raw
		}
		if err := sip.ParseUri(raw, &uri); err != nil {
			return sip.Uri{}, fmt.Errorf("некорректный адрес %q: %w", target, err)
		}
		return uri, nil
	}
	return sip.Uri{Scheme: "sip", User: target, Host: t.cfg.Domain}, nil
}

// contactAddress извлекает адрес из заголовка Contact.
func contactAddress(h sip.Header) (sip.Uri, bool) {
	if h == nil {
		return sip.Uri{}, false
	}
	if ch, ok := h.(*sip.ContactHeader); ok {
		return ch.Address, true
	}
	return sip.Uri{}, false
}

func (t *Transport) addLeg(l *leg) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.legs[l.callID] = l
}

func (t *Transport) removeLeg(l *leg) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.legs, l.callID)
}

func (t *Transport) legByCallID(callID string) *leg {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.legs[callID]
}

// legOf проверяет, что handle принадлежит этому транспорту и нога жива.
func (t *Transport) legOf(h softphone.TransportHandle) (*leg, error) {
	l, ok := h.(*leg)
	if !ok || l == nil {
		return nil, fmt.Errorf("чужой handle транспорта: %T", h)
	}
	if t.legByCallID(l.callID) != l {
		return nil, fmt.Errorf("нога %s уже завершена", l.callID)
	}
	return l, nil
}
