package siptransport

import (
	"log/slog"
	"time"
)

// Config конфигурация SIP транспорта.
type Config struct {
	// Server адрес SIP сервера в формате host:port
	Server string

	// Username имя пользователя (номер) для регистрации
	Username string

	// Domain SIP домен адреса записи (AOR)
	Domain string

	// ListenAddr локальный адрес для приема сигнализации
	ListenAddr string

	// ListenPort локальный порт сигнализации
	ListenPort int

	// Protocol транспортный протокол: udp или tcp
	Protocol string

	// UserAgent значение заголовка User-Agent
	UserAgent string

	// Expires срок действия регистрации в секундах
	Expires int

	// MediaAddr и MediaPort адрес аудио потока, объявляемый в SDP
	MediaAddr string
	MediaPort int

	// RoomUserPrefix префикс user-части URI конференц-комнаты.
	// URI комнаты строится как sip:<prefix><roomID>@<Domain>.
	RoomUserPrefix string

	// RequestTimeout тайм-аут внутридиалоговых запросов (BYE, re-INVITE)
	RequestTimeout time.Duration

	// Logger структурированный логгер (по умолчанию slog.Default)
	Logger *slog.Logger
}

// DefaultConfig возвращает конфигурацию с разумными значениями
// по умолчанию для локального тестирования.
func DefaultConfig() Config {
	return Config{
		Server:         "127.0.0.1:5060",
		Username:       "softphone",
		Domain:         "127.0.0.1",
		ListenAddr:     "127.0.0.1",
		ListenPort:     5070,
		Protocol:       "udp",
		UserAgent:      "OSCC-Softphone/1.0",
		Expires:        300,
		MediaAddr:      "127.0.0.1",
		MediaPort:      10000,
		RoomUserPrefix: "conf-",
		RequestTimeout: 5 * time.Second,
	}
}
