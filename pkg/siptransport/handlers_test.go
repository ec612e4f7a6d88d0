package siptransport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSipfragStatusCode(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"успех", "SIP/2.0 200 OK", 200},
		{"провизорный", "SIP/2.0 100 Trying\r\n", 100},
		{"отказ", "SIP/2.0 486 Busy Here", 486},
		{"многострочный", "SIP/2.0 180 Ringing\r\nContact: <sip:a@b>\r\n", 180},
		{"пустое тело", "", 0},
		{"мусор", "not a sipfrag", 0},
		{"не status line", "Contact: <sip:a@b>\r\nSIP/2.0 200 OK", 0},
		{"без кода", "SIP/2.0", 0},
		{"нечисловой код", "SIP/2.0 OK", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sipfragStatusCode([]byte(tt.body)))
		})
	}
}
