package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hcrcsolutions/oscc-softphone-sub000/pkg/siptransport"
	"github.com/hcrcsolutions/oscc-softphone-sub000/pkg/softphone"
)

func main() {
	var (
		server   = flag.String("server", "127.0.0.1:5060", "Адрес SIP сервера host:port")
		username = flag.String("user", "1001", "Имя пользователя (номер)")
		domain   = flag.String("domain", "127.0.0.1", "SIP домен")
		listen   = flag.String("listen", "127.0.0.1", "Локальный адрес сигнализации")
		port     = flag.Int("port", 5070, "Локальный порт сигнализации")
		target   = flag.String("dial", "", "Номер для исходящего вызова после регистрации")
		debug    = flag.Bool("debug", false, "Подробное логирование")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(logger, *server, *username, *domain, *listen, *port, *target); err != nil {
		logger.Error("softphone завершился с ошибкой", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, server, username, domain, listen string, port int, target string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := siptransport.DefaultConfig()
	cfg.Server = server
	cfg.Username = username
	cfg.Domain = domain
	cfg.ListenAddr = listen
	cfg.ListenPort = port
	cfg.Logger = logger

	transport, err := siptransport.New(cfg)
	if err != nil {
		return fmt.Errorf("создание транспорта: %w", err)
	}
	defer transport.Close()

	phone, err := softphone.New(softphone.Config{
		Transport: transport,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("создание телефона: %w", err)
	}

	unsubscribe := phone.Subscribe(func(snap softphone.Snapshot) {
		attrs := []any{
			"registration", string(snap.Status),
			"calls", len(snap.ActiveCalls),
			"conference", string(snap.Conference.Mode),
		}
		if snap.LastError != nil {
			attrs = append(attrs, "lastError", snap.LastError.Message)
		}
		logger.Info("состояние", attrs...)
	})
	defer unsubscribe()

	if err := phone.Start(ctx); err != nil {
		return fmt.Errorf("запуск телефона: %w", err)
	}
	defer phone.Stop()

	if target != "" {
		sessionID, err := phone.Dial(ctx, target)
		if err != nil {
			return fmt.Errorf("вызов %s: %w", target, err)
		}
		logger.Info("исходящий вызов", "sessionID", sessionID, "target", target)
	}

	<-ctx.Done()
	logger.Info("остановка по сигналу")

	for _, entry := range phone.History() {
		logger.Info("журнал",
			"remote", entry.RemoteParty,
			"outcome", string(entry.Outcome),
			"duration", entry.Duration)
	}
	return nil
}
