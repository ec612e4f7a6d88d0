package softphone

import "sync"

// ConferenceMode режим конференции.
type ConferenceMode string

const (
	// ConferenceNone конференция не идет
	ConferenceNone ConferenceMode = "none"
	// ConferenceForming идет последовательный перевод ног в комнату
	ConferenceForming ConferenceMode = "forming"
	// ConferenceActive все участники в комнате, аудио микшируется мостом
	ConferenceActive ConferenceMode = "active"
)

// ConferenceSnapshot неизменяемый срез состояния конференции.
type ConferenceSnapshot struct {
	RoomID       string
	Participants []string
	Mode         ConferenceMode
}

// Snapshot консолидированный срез состояния для UI коллаборатора.
//
// Срез неизменяемый: все вложенные структуры скопированы и могут
// безопасно читаться из любой горутины.
type Snapshot struct {
	// Status состояние регистрации телефона
	Status RegistrationState

	// ActiveCalls все живые сессии
	ActiveCalls []Session

	// ActiveID идентификатор активной сессии ("" если нет)
	ActiveID string

	// Conference состояние конференции
	Conference ConferenceSnapshot

	// LastError последняя ошибка, поднятая наверх (nil если нет).
	// Ошибки никогда не проглатываются молча: стабильный код и
	// сообщение доступны подписчику.
	LastError *Error
}

// SnapshotFunc обработчик подписчика Event Bus.
type SnapshotFunc func(Snapshot)

// Bus доставляет консолидированные срезы состояния подписчикам.
//
// Один производитель (Phone), любое число потребителей. Замена
// callback-стиля оригинала на явную подписку: подписчик получает
// неизменяемые срезы и не может дотянуться до внутреннего состояния.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]SnapshotFunc
}

// NewBus создает пустую шину событий.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]SnapshotFunc)}
}

// Subscribe регистрирует подписчика и возвращает функцию отписки.
func (b *Bus) Subscribe(fn SnapshotFunc) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish доставляет срез всем подписчикам. Порядок доставки между
// подписчиками не определен, внутри одного подписчика срезы приходят
// в порядке публикации.
func (b *Bus) Publish(snap Snapshot) {
	b.mu.Lock()
	fns := make([]SnapshotFunc, 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
