package softphone

import "context"

// Transport определяет контракт сигнального транспортного слоя (коллаборатора).
//
// Слой оркестрации не знает о проводном формате SIP сообщений, SDP и
// повторных попытках регистрации - все это обязанность реализации
// транспорта (см. pkg/siptransport). Оркестрация оперирует только
// непрозрачными TransportHandle и событиями из Events().
type Transport interface {
	// Register выполняет регистрацию на сервере
	Register(ctx context.Context) error

	// Invite инициирует исходящий вызов и возвращает handle новой ноги
	Invite(ctx context.Context, target string) (TransportHandle, error)

	// Accept отвечает на входящий вызов
	Accept(ctx context.Context, h TransportHandle) error

	// Terminate завершает ногу. Для еще не установленной ноги
	// транспорт обязан отменить ожидающий запрос (CANCEL), а не
	// завершать установленную сессию.
	Terminate(ctx context.Context, h TransportHandle) error

	// Hold ставит ногу на удержание
	Hold(ctx context.Context, h TransportHandle) error

	// Resume снимает ногу с удержания
	Resume(ctx context.Context, h TransportHandle) error

	// TransferToRoom переводит ногу в конференц-комнату (REFER).
	// Завершение операции приходит отдельным событием EventTransferDone.
	TransferToRoom(ctx context.Context, h TransportHandle, roomID string) error

	// JoinRoom устанавливает новую ногу к конференц-комнате.
	// Отображение идентификатора комнаты в URI - забота транспорта.
	// Установление подтверждается событием EventEstablished для
	// возвращенного handle.
	JoinRoom(ctx context.Context, roomID string) (TransportHandle, error)

	// MuteLeg / UnmuteLeg управляют медиа ноги на стороне моста
	MuteLeg(ctx context.Context, h TransportHandle) error
	UnmuteLeg(ctx context.Context, h TransportHandle) error

	// Events возвращает поток событий транспорта. Канал закрывается
	// при остановке транспорта. События одной ноги доставляются в
	// порядке их возникновения.
	Events() <-chan TransportEvent
}

// TransportEventType тип события транспортного слоя.
type TransportEventType int

const (
	// EventRegistration изменение состояния регистрации
	EventRegistration TransportEventType = iota + 1
	// EventIncomingCall уведомление о входящем вызове
	EventIncomingCall
	// EventEstablished нога установлена (получен финальный 2xx/ACK)
	EventEstablished
	// EventFailed нога завершилась ошибкой (отказ или таймаут)
	EventFailed
	// EventTerminated нога завершена (BYE или CANCEL удаленной стороны)
	EventTerminated
	// EventRemoteHold удаленная сторона поставила/сняла удержание
	EventRemoteHold
	// EventTransferDone завершение операции перевода в комнату
	EventTransferDone
)

// String возвращает строковое представление типа события.
func (t TransportEventType) String() string {
	switch t {
	case EventRegistration:
		return "registration"
	case EventIncomingCall:
		return "incoming_call"
	case EventEstablished:
		return "established"
	case EventFailed:
		return "failed"
	case EventTerminated:
		return "terminated"
	case EventRemoteHold:
		return "remote_hold"
	case EventTransferDone:
		return "transfer_done"
	default:
		return "unknown"
	}
}

// RegistrationState состояние регистрации транспорта.
type RegistrationState string

const (
	RegistrationIdle       RegistrationState = "idle"
	RegistrationInProgress RegistrationState = "registering"
	RegistrationActive     RegistrationState = "registered"
	RegistrationFailed     RegistrationState = "failed"
)

// TransportEvent событие сигнального слоя.
//
// Handle идентифицирует ногу, к которой относится событие; для
// EventRegistration поле пустое. Code содержит SIP код отказа для
// EventFailed и EventTransferDone.
type TransportEvent struct {
	Type   TransportEventType
	Handle TransportHandle

	// RemoteParty удаленная сторона (только EventIncomingCall)
	RemoteParty string

	// Registration новое состояние регистрации (только EventRegistration)
	Registration RegistrationState

	// Code SIP код отказа (EventFailed, EventTransferDone при неудаче)
	Code int

	// Reason текст причины от транспорта
	Reason string

	// OnHold новое состояние удержания (только EventRemoteHold)
	OnHold bool

	// Success результат перевода (только EventTransferDone)
	Success bool
}
