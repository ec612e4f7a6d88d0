package softphone

import "fmt"

// ErrorCode определяет типизированные коды ошибок слоя оркестрации.
// Коды стабильны и публикуются наружу через Event Bus вместе с
// пользовательским сообщением.
type ErrorCode int

const (
	// Ошибки конфигурации и транспорта
	ErrorCodeConfiguration ErrorCode = iota + 1000
	ErrorCodeTransport

	// Категории отказа вызова (см. Classify)
	ErrorCodeCallBusy
	ErrorCodeCallNotFound
	ErrorCodeCallServiceUnavailable
	ErrorCodeCallTimeout
	ErrorCodeCallGeneric
	ErrorCodeCallCancelled

	// Ошибки медиа и конференции
	ErrorCodeMedia
	ErrorCodeConference

	// Ошибки состояния оркестрации
	ErrorCodeSessionNotFound
	ErrorCodeInvalidState
)

// String возвращает стабильное строковое представление кода ошибки.
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeConfiguration:
		return "ConfigurationError"
	case ErrorCodeTransport:
		return "TransportError"
	case ErrorCodeCallBusy:
		return "CallFailureBusy"
	case ErrorCodeCallNotFound:
		return "CallFailureNotFound"
	case ErrorCodeCallServiceUnavailable:
		return "CallFailureServiceUnavailable"
	case ErrorCodeCallTimeout:
		return "CallFailureTimeout"
	case ErrorCodeCallGeneric:
		return "CallFailureGeneric"
	case ErrorCodeCallCancelled:
		return "CallCancelled"
	case ErrorCodeMedia:
		return "MediaError"
	case ErrorCodeConference:
		return "ConferenceError"
	case ErrorCodeSessionNotFound:
		return "SessionNotFound"
	case ErrorCodeInvalidState:
		return "InvalidState"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// Error базовая структура ошибок слоя оркестрации.
// Несет типизированный код, пользовательское сообщение и идентификатор
// сессии для сопоставления с логами.
type Error struct {
	Code      ErrorCode
	Message   string
	SessionID string
	Wrapped   error
}

// Error реализует интерфейс error.
func (e *Error) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("[softphone:%s] сессия %s: %s", e.Code, e.SessionID, e.Message)
	}
	return fmt.Sprintf("[softphone:%s] %s", e.Code, e.Message)
}

// Unwrap возвращает обернутую ошибку, поддерживая errors.Unwrap.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, сравнивая ошибки по коду.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// newError создает ошибку с кодом и сообщением.
func newError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// newSessionError создает ошибку, привязанную к сессии.
func newSessionError(code ErrorCode, sessionID, message string) *Error {
	return &Error{Code: code, Message: message, SessionID: sessionID}
}

// wrapError оборачивает ошибку транспорта или другого коллаборатора.
func wrapError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Wrapped: err}
}

// Classify отображает SIP код отказа в стабильную категорию ошибки
// с фиксированным пользовательским сообщением.
//
// Классификатор чистый и детерминированный: не имеет побочных
// эффектов и для одного кода всегда возвращает одну категорию.
//
//	486 -> Busy
//	404 -> NotFound
//	503 -> ServiceUnavailable
//	408 -> Timeout
//	прочие -> Generic
func Classify(sipCode int) *Error {
	switch sipCode {
	case 486:
		return newError(ErrorCodeCallBusy, "абонент занят")
	case 404:
		return newError(ErrorCodeCallNotFound, "номер не существует")
	case 503:
		return newError(ErrorCodeCallServiceUnavailable, "сервис недоступен")
	case 408:
		return newError(ErrorCodeCallTimeout, "истекло время ожидания ответа")
	default:
		return newError(ErrorCodeCallGeneric, "вызов завершился ошибкой")
	}
}

// RejectionError возвращается транспортом, когда запрос отклонен
// удаленной стороной с конкретным SIP кодом. Слой оркестрации
// использует код для классификации и политики повторов.
type RejectionError struct {
	Code   int
	Reason string
}

// Error реализует интерфейс error.
func (e *RejectionError) Error() string {
	return fmt.Sprintf("запрос отклонен: %d %s", e.Code, e.Reason)
}

// isRetryableAccept сообщает, можно ли повторить Accept после отказа
// с данным SIP кодом. Гонка "оператор отвечает / удаленная сторона
// отменяет" проявляется кодами 491 (Request Pending) и 500.
func isRetryableAccept(sipCode int) bool {
	return sipCode == 491 || sipCode == 500
}
