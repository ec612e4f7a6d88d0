package softphone

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		sipCode int
		want    ErrorCode
		message string
	}{
		{486, ErrorCodeCallBusy, "абонент занят"},
		{404, ErrorCodeCallNotFound, "номер не существует"},
		{503, ErrorCodeCallServiceUnavailable, "сервис недоступен"},
		{408, ErrorCodeCallTimeout, "истекло время ожидания ответа"},
		{487, ErrorCodeCallGeneric, "вызов завершился ошибкой"},
		{500, ErrorCodeCallGeneric, "вызов завершился ошибкой"},
		{0, ErrorCodeCallGeneric, "вызов завершился ошибкой"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("код %d", tt.sipCode), func(t *testing.T) {
			err := Classify(tt.sipCode)
			require.NotNil(t, err)
			assert.Equal(t, tt.want, err.Code)
			assert.Equal(t, tt.message, err.Message)
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	// Один код - всегда одна категория и одно сообщение
	first := Classify(486)
	second := Classify(486)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.Message, second.Message)
}

func TestErrorFormatting(t *testing.T) {
	err := newSessionError(ErrorCodeCallBusy, "sess-1", "абонент занят")
	assert.Contains(t, err.Error(), "CallFailureBusy")
	assert.Contains(t, err.Error(), "sess-1")

	bare := newError(ErrorCodeTransport, "регистрация не удалась")
	assert.Contains(t, bare.Error(), "TransportError")
	assert.NotContains(t, bare.Error(), "сессия")
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := wrapError(ErrorCodeTransport, "не удалось отправить запрос", cause)

	assert.ErrorIs(t, err, cause)

	var perr *Error
	require.ErrorAs(t, error(err), &perr)
	assert.Equal(t, ErrorCodeTransport, perr.Code)

	// errors.Is сравнивает ошибки пакета по коду
	assert.ErrorIs(t, err, &Error{Code: ErrorCodeTransport})
	assert.NotErrorIs(t, err, &Error{Code: ErrorCodeMedia})
}

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "CallCancelled", ErrorCodeCallCancelled.String())
	assert.Equal(t, "ConferenceError", ErrorCodeConference.String())
	assert.Equal(t, "Unknown(42)", ErrorCode(42).String())
}

func TestIsRetryableAccept(t *testing.T) {
	assert.True(t, isRetryableAccept(491))
	assert.True(t, isRetryableAccept(500))
	assert.False(t, isRetryableAccept(486))
	assert.False(t, isRetryableAccept(487))
	assert.False(t, isRetryableAccept(200))
}

func TestRejectionError(t *testing.T) {
	err := &RejectionError{Code: 486, Reason: "Busy Here"}
	assert.Contains(t, err.Error(), "486")
	assert.Contains(t, err.Error(), "Busy Here")
}
