package siptransport

import (
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/hcrcsolutions/oscc-softphone-sub000/pkg/softphone"
)

// setupHandlers регистрирует обработчики входящих SIP запросов.
func (t *Transport) setupHandlers() {
	t.server.OnInvite(t.handleInvite)
	t.server.OnAck(t.handleAck)
	t.server.OnBye(t.handleBye)
	t.server.OnCancel(t.handleCancel)
	t.server.OnNotify(t.handleNotify)
}

// handleInvite обрабатывает входящий INVITE: новый диалог становится
// входящим вызовом, внутридиалоговый re-INVITE - сменой удержания.
func (t *Transport) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	if l := t.legByCallID(callID); l != nil {
		t.handleReinvite(l, req, tx)
		return
	}

	l := &leg{
		callID:    callID,
		localTag:  newTag(),
		isUAC:     false,
		inviteReq: req,
		serverTx:  tx,
	}
	l.remoteTag, _ = req.From().Params.Get("tag")
	l.remoteParty = req.From().Address.User
	l.remoteTarget = req.From().Address
	if target, ok := contactAddress(req.GetHeader("Contact")); ok {
		l.remoteTarget = target
	}
	t.addLeg(l)

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if to := ringing.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.HeaderParams{}
		}
		to.Params["tag"] = l.localTag
	}
	if err := tx.Respond(ringing); err != nil {
		t.logger.Error("siptransport.ringing failed",
			"callID", callID, "error", err)
	}

	t.logger.Info("siptransport.incoming call",
		"callID", callID, "from", l.remoteParty)
	t.emit(softphone.TransportEvent{
		Type:        softphone.EventIncomingCall,
		Handle:      l,
		RemoteParty: l.remoteParty,
	})
}

// handleReinvite отвечает на внутридиалоговый INVITE и транслирует
// смену направления медиа в событие удержания.
func (t *Transport) handleReinvite(l *leg, req *sip.Request, tx sip.ServerTransaction) {
	dir := remoteDirection(req.Body())
	remoteHold := dir.holdsMedia()

	answerDir := directionSendRecv
	if remoteHold {
		answerDir = directionRecvOnly
	}
	answer, err := t.buildSDP(answerDir)
	if err != nil {
		t.logger.Error("siptransport.reinvite answer failed",
			"callID", l.callID, "error", err)
		if respondErr := tx.Respond(sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)); respondErr != nil {
			t.logger.Error("siptransport.respond failed",
				"callID", l.callID, "error", respondErr)
		}
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answer)
	res.AppendHeader(&t.contact)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		t.logger.Error("siptransport.reinvite respond failed",
			"callID", l.callID, "error", err)
		return
	}

	l.mu.Lock()
	changed := l.onHold != remoteHold
	l.onHold = remoteHold
	l.mu.Unlock()
	if !changed {
		return
	}

	t.logger.Debug("siptransport.remote hold",
		"callID", l.callID, "onHold", remoteHold)
	t.emit(softphone.TransportEvent{
		Type:   softphone.EventRemoteHold,
		Handle: l,
		OnHold: remoteHold,
	})
}

// handleAck подтверждает установление входящей ноги.
func (t *Transport) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	l := t.legByCallID(req.CallID().Value())
	if l == nil {
		return
	}

	l.mu.Lock()
	first := !l.established
	l.established = true
	l.serverTx = nil
	l.mu.Unlock()
	if !first {
		return
	}

	t.logger.Debug("siptransport.established", "callID", l.callID)
	t.emit(softphone.TransportEvent{
		Type:   softphone.EventEstablished,
		Handle: l,
	})
}

// handleBye обрабатывает завершение ноги удаленной стороной.
func (t *Transport) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		t.logger.Error("siptransport.bye respond failed", "error", err)
	}

	l := t.legByCallID(req.CallID().Value())
	if l == nil {
		return
	}
	t.removeLeg(l)

	t.logger.Info("siptransport.remote bye", "callID", l.callID)
	t.emit(softphone.TransportEvent{
		Type:   softphone.EventTerminated,
		Handle: l,
	})
}

// handleCancel обрабатывает отмену входящего вызова до ответа.
func (t *Transport) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		t.logger.Error("siptransport.cancel respond failed", "error", err)
	}

	l := t.legByCallID(req.CallID().Value())
	if l == nil {
		return
	}

	l.mu.Lock()
	inviteTx := l.serverTx
	inviteReq := l.inviteReq
	l.serverTx = nil
	l.mu.Unlock()
	if inviteTx != nil {
		terminated := sip.NewResponseFromRequest(inviteReq,
			sip.StatusRequestTerminated, "Request Terminated", nil)
		if err := inviteTx.Respond(terminated); err != nil {
			t.logger.Error("siptransport.487 failed",
				"callID", l.callID, "error", err)
		}
	}
	t.removeLeg(l)

	t.logger.Info("siptransport.remote cancel", "callID", l.callID)
	t.emit(softphone.TransportEvent{
		Type:   softphone.EventTerminated,
		Handle: l,
	})
}

// handleNotify обрабатывает NOTIFY о прогрессе перевода (REFER).
// Тело message/sipfrag несет финальный статус перевода на стороне
// сервера; провизорные статусы игнорируются.
func (t *Transport) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		t.logger.Error("siptransport.notify respond failed", "error", err)
	}

	l := t.legByCallID(req.CallID().Value())
	if l == nil {
		return
	}
	if ct := req.GetHeader("Content-Type"); ct == nil ||
		!strings.Contains(strings.ToLower(ct.Value()), "sipfrag") {
		return
	}

	code := sipfragStatusCode(req.Body())
	if code < 200 {
		return
	}

	// Нога остается под нашим контролем и после перевода:
	// mute и kick участника адресуются тому же диалогу
	success := code < 300
	t.logger.Info("siptransport.transfer done",
		"callID", l.callID, "code", code, "success", success)
	t.emit(softphone.TransportEvent{
		Type:    softphone.EventTransferDone,
		Handle:  l,
		Code:    code,
		Success: success,
	})
}

// sipfragStatusCode извлекает SIP status code из тела message/sipfrag.
// Тело начинается со status line вида "SIP/2.0 180 Ringing"; для тела,
// не похожего на status line, возвращается 0.
func sipfragStatusCode(body []byte) int {
	line := string(body)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "SIP/") {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}
