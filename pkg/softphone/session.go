package softphone

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Direction определяет направление вызова.
type Direction string

const (
	// DirectionIncoming - входящий вызов (получено уведомление от транспорта)
	DirectionIncoming Direction = "incoming"
	// DirectionOutgoing - исходящий вызов (локальный запрос набора)
	DirectionOutgoing Direction = "outgoing"
)

// Status представляет состояние жизненного цикла сессии.
// Значения совпадают с состояниями FSM (см. newCallFSM в call.go).
type Status string

const (
	// StatusIdle - начальное состояние, сессия еще не запущена
	StatusIdle Status = "idle"
	// StatusConnecting - исходящий INVITE отправлен, ожидается ответ
	StatusConnecting Status = "connecting"
	// StatusRinging - входящий вызов, ожидается ответ оператора
	StatusRinging Status = "ringing"
	// StatusConnected - вызов установлен, медиа активна
	StatusConnected Status = "connected"
	// StatusTerminating - транспорт сообщил о завершении, идет очистка
	StatusTerminating Status = "terminating"
	// StatusFailed - вызов завершился ошибкой
	StatusFailed Status = "failed"
)

// TransportHandle - непрозрачная ссылка на ногу вызова, принадлежащая
// транспортному слою. Оркестрация никогда не заглядывает внутрь,
// а только передает ее обратно в транспорт.
type TransportHandle any

// Session представляет одну ногу вызова (call leg).
//
// Структура содержит ровно те поля, которые нужны слою оркестрации.
// Все мутации выполняются только через операции Phone - внешний код
// получает копии через Snapshot/List.
type Session struct {
	// ID уникальный идентификатор сессии, неизменяемый после создания
	ID string

	// RemoteParty идентификатор удаленной стороны (номер или extension)
	RemoteParty string

	// Direction направление вызова
	Direction Direction

	// Status текущее состояние жизненного цикла
	Status Status

	// IsOnHold вызов поставлен на удержание
	IsOnHold bool

	// IsInConference сессия является участником конференции
	IsInConference bool

	// ConnectedAt момент перехода в connected, устанавливается ровно один раз.
	// Нулевое значение означает, что сессия еще не была установлена.
	ConnectedAt time.Time

	// Handle непрозрачная ссылка транспортного слоя
	Handle TransportHandle
}

// newSessionID генерирует уникальный идентификатор сессии.
// Формат: временная метка в наносекундах + криптослучайный суффикс,
// уникальность гарантируется конструкцией.
func newSessionID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand недоступен только в экзотических окружениях,
		// fallback на одну метку времени сохраняет работоспособность
		return fmt.Sprintf("sess-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("sess-%d-%s", time.Now().UnixNano(), hex.EncodeToString(buf))
}

// clone возвращает копию сессии для публикации наружу.
func (s *Session) clone() Session {
	c := *s
	return c
}
