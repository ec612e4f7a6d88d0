package siptransport

import (
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
)

// leg - одна нога вызова (SIP диалог). Указатель на leg служит
// непрозрачным TransportHandle для слоя оркестрации.
type leg struct {
	mu sync.Mutex

	callID    string
	localTag  string
	remoteTag string
	isUAC     bool

	// remoteParty удаленная сторона в человекочитаемом виде
	remoteParty string

	// remoteTarget Request-URI внутридиалоговых запросов
	remoteTarget sip.Uri

	// inviteReq исходный INVITE (свой для UAC, принятый для UAS)
	inviteReq *sip.Request

	// inviteResp финальный 2xx ответ (только UAC, для построения ACK)
	inviteResp *sip.Response

	// serverTx ожидающая серверная транзакция INVITE (только UAS)
	serverTx sip.ServerTransaction

	cseq        uint32
	established bool
	onHold      bool
	muted       bool
}

func (l *leg) nextCSeq() uint32 {
	return atomic.AddUint32(&l.cseq, 1)
}

// buildRequest создает внутридиалоговый запрос с заголовками диалога.
// From/To зависят от роли: UAS отвечает в обратном направлении
// относительно принятого INVITE.
func (l *leg) buildRequest(method sip.RequestMethod, contact *sip.ContactHeader) *sip.Request {
	l.mu.Lock()
	defer l.mu.Unlock()

	req := sip.NewRequest(method, l.remoteTarget)
	req.AppendHeader(sip.NewHeader("Call-ID", l.callID))

	var fromURI, toURI sip.Uri
	if l.isUAC {
		fromURI = l.inviteReq.From().Address
		toURI = l.inviteReq.To().Address
	} else {
		fromURI = l.inviteReq.To().Address
		toURI = l.inviteReq.From().Address
	}

	req.AppendHeader(&sip.FromHeader{
		Address: fromURI,
		Params:  sip.HeaderParams{"tag": l.localTag},
	})
	to := &sip.ToHeader{Address: toURI, Params: sip.HeaderParams{}}
	if l.remoteTag != "" {
		to.Params["tag"] = l.remoteTag
	}
	req.AppendHeader(to)

	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      l.nextCSeq(),
		MethodName: method,
	})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(contact)
	return req
}

// buildACK создает ACK для 2xx ответа на исходящий INVITE.
// Request-URI и CSeq берутся из исходного INVITE, To - из ответа.
func (l *leg) buildACK() *sip.Request {
	l.mu.Lock()
	defer l.mu.Unlock()

	ack := sip.NewRequest(sip.ACK, l.inviteReq.Recipient)
	ack.AppendHeader(sip.NewHeader("Call-ID", l.callID))
	ack.AppendHeader(l.inviteReq.From())
	ack.AppendHeader(l.inviteResp.To())
	ack.AppendHeader(&sip.CSeqHeader{
		SeqNo:      l.inviteReq.CSeq().SeqNo,
		MethodName: sip.ACK,
	})
	ack.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return ack
}

// ackFor создает ACK для 2xx ответа на внутридиалоговый re-INVITE.
func (l *leg) ackFor(req *sip.Request, res *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, req.Recipient)
	ack.AppendHeader(sip.NewHeader("Call-ID", l.callID))
	ack.AppendHeader(req.From())
	ack.AppendHeader(res.To())
	ack.AppendHeader(&sip.CSeqHeader{
		SeqNo:      req.CSeq().SeqNo,
		MethodName: sip.ACK,
	})
	ack.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return ack
}
