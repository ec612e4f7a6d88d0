package softphone

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hcrcsolutions/oscc-softphone-sub000/pkg/tone"
)

// ToneFeedback абстракция генератора тоновой обратной связи.
// Реализуется pkg/tone.Generator.
type ToneFeedback interface {
	StartRingback(sessionID string) error
	StartRingtone(sessionID string) error
	Stop(sessionID string)
	Active(sessionID string) bool
	StopAll()
}

// MediaRedirector опциональное расширение транспорта: явный re-INVITE
// для перенаправления медиа при переключении активной сессии.
// Транспорты, которым перенаправление не нужно, его не реализуют.
type MediaRedirector interface {
	RedirectMedia(ctx context.Context, h TransportHandle) error
}

// Config конфигурация телефона.
type Config struct {
	// Transport сигнальный транспортный слой (обязателен)
	Transport Transport

	// Tones генератор тоновой обратной связи.
	// Если nil, создается tone.Generator с настройками по умолчанию.
	Tones ToneFeedback

	// SinkFactory фабрика аудио приемников от медиа коллаборатора.
	// Может быть nil - тогда ведется только учет состояния mute.
	SinkFactory SinkFactory

	// Logger структурированный логгер (по умолчанию slog.Default)
	Logger *slog.Logger

	// Registerer приемник Prometheus метрик.
	// Если nil, используется глобальный регистратор.
	Registerer prometheus.Registerer

	// AcceptRetries максимум повторов Accept при гонке ответа
	// с отменой вызова (по умолчанию 3)
	AcceptRetries int

	// AcceptBackoff паузы между повторами Accept
	// (по умолчанию 30, 50, 70 мс)
	AcceptBackoff []time.Duration
}

// Phone - фасад слоя оркестрации вызовов.
//
// Связывает реестр сессий, машину состояний вызова, оркестратор
// конференции, аудио маршрутизатор и шину событий. Все публичные
// операции thread-safe.
//
// Модель конкурентности повторяет кооперативную однопоточность
// оригинала средствами Go: мутации состояния выполняются атомарно
// под p.mu, а в точках ожидания (транспортная операция, пауза
// повтора, завершение перевода) мьютекс отпущен и события других
// сессий обрабатываются свободно.
type Phone struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	registry *Registry
	history  *History
	bus      *Bus
	router   *AudioRouter
	tones    ToneFeedback
	conf     *conference

	// mu кооперативный мьютекс оркестрации: защищает поля сессий,
	// состояние конференции и regState
	mu       sync.Mutex
	fsms     map[string]*sessionFSM
	regState RegistrationState

	// unbound события ног, чьи handle еще не привязаны: установление
	// или отказ может прийти раньше, чем Invite/JoinRoom вернет handle
	// новой ноги. Буферизуется, пока pendingBinds > 0, и забирается
	// ожидающей операцией после привязки.
	unbound      map[TransportHandle]TransportEvent
	pendingBinds int

	cancel context.CancelFunc
	done   chan struct{}
}

// New создает телефон с заданной конфигурацией.
func New(cfg Config) (*Phone, error) {
	if cfg.Transport == nil {
		return nil, newError(ErrorCodeConfiguration, "транспорт не задан")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "softphone")

	tones := cfg.Tones
	if tones == nil {
		tones = tone.New(tone.DefaultConfig())
	}
	if cfg.AcceptRetries == 0 {
		cfg.AcceptRetries = 3
	}
	if len(cfg.AcceptBackoff) == 0 {
		cfg.AcceptBackoff = []time.Duration{
			30 * time.Millisecond,
			50 * time.Millisecond,
			70 * time.Millisecond,
		}
	}

	p := &Phone{
		cfg:      cfg,
		logger:   logger,
		metrics:  NewMetrics(cfg.Registerer),
		registry: NewRegistry(),
		history:  NewHistory(),
		bus:      NewBus(),
		router:   NewAudioRouter(cfg.SinkFactory, logger),
		tones:    tones,
		fsms:     make(map[string]*sessionFSM),
		regState: RegistrationIdle,
		unbound:  make(map[TransportHandle]TransportEvent),
	}
	p.conf = newConference(p)
	return p, nil
}

// Start запускает цикл обработки событий транспорта и инициирует
// регистрацию. Блокирует только на время отправки REGISTER.
func (p *Phone) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go p.run(ctx)

	p.mu.Lock()
	p.regState = RegistrationInProgress
	p.mu.Unlock()
	p.publish(nil)

	if err := p.cfg.Transport.Register(ctx); err != nil {
		p.mu.Lock()
		p.regState = RegistrationFailed
		p.mu.Unlock()
		regErr := wrapError(ErrorCodeTransport, "регистрация не удалась", err)
		p.publish(regErr)
		return regErr
	}
	return nil
}

// Stop останавливает телефон: тоны гасятся, аудио маршруты
// освобождаются, цикл событий завершается.
func (p *Phone) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.tones.StopAll()
	for _, s := range p.registry.List() {
		p.router.Release(s.ID)
	}
	if p.done != nil {
		<-p.done
	}
}

// Subscribe регистрирует подписчика консолидированных срезов
// состояния и сразу доставляет ему текущий срез.
func (p *Phone) Subscribe(fn SnapshotFunc) (unsubscribe func()) {
	unsub := p.bus.Subscribe(fn)
	fn(p.snapshot(nil))
	return unsub
}

// Registry возвращает реестр сессий.
func (p *Phone) Registry() *Registry {
	return p.registry
}

// History возвращает журнал вызовов.
func (p *Phone) History() []HistoryEntry {
	return p.history.Entries()
}

// Snapshot возвращает текущий консолидированный срез состояния.
func (p *Phone) Snapshot() Snapshot {
	return p.snapshot(nil)
}

// run - цикл обработки событий транспорта. События одной ноги
// обрабатываются в порядке поступления; завершение по ctx или
// закрытию канала событий.
func (p *Phone) run(ctx context.Context) {
	defer close(p.done)
	p.logger.Debug("softphone.eventLoop started")

	events := p.cfg.Transport.Events()
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("softphone.eventLoop stopped")
			return
		case ev, ok := <-events:
			if !ok {
				p.logger.Debug("softphone.eventLoop transport closed")
				return
			}
			p.handleTransportEvent(ev)
		}
	}
}

// handleTransportEvent диспетчеризует одно событие транспорта.
func (p *Phone) handleTransportEvent(ev TransportEvent) {
	// Ожидающие операции конференции перехватывают события своих ног
	if p.conf.deliver(ev) {
		return
	}

	switch ev.Type {
	case EventRegistration:
		p.handleRegistration(ev)
	case EventIncomingCall:
		p.handleIncomingCall(ev)
	case EventEstablished:
		p.handleEstablished(ev)
	case EventFailed:
		p.handleFailed(ev)
	case EventTerminated:
		p.handleTerminated(ev)
	case EventRemoteHold:
		p.handleRemoteHold(ev)
	case EventTransferDone:
		// Завершение перевода без ожидающей операции: оркестратор
		// уже прервал последовательность, событие только логируется
		p.logger.Debug("softphone.transferDone unclaimed", "success", ev.Success)
	default:
		p.logger.Warn("softphone.event unknown", "type", int(ev.Type))
	}
}

// snapshot строит консолидированный срез состояния.
func (p *Phone) snapshot(lastErr *Error) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked(lastErr)
}

// snapshotLocked строит срез под уже взятым p.mu.
func (p *Phone) snapshotLocked(lastErr *Error) Snapshot {
	sessions := p.registry.List()
	calls := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		calls = append(calls, s.clone())
	}
	return Snapshot{
		Status:      p.regState,
		ActiveCalls: calls,
		ActiveID:    p.registry.ActiveID(),
		Conference:  p.conf.snapshotLocked(),
		LastError:   lastErr,
	}
}

// publish доставляет срез подписчикам. Ошибки всегда публикуются
// со стабильным кодом и сообщением, никогда не проглатываются.
func (p *Phone) publish(err *Error) {
	if err != nil {
		p.metrics.ErrorSurfaced(err.Code)
		p.logger.Error("softphone.error surfaced",
			"code", err.Code.String(), "error", err)
	}
	p.bus.Publish(p.snapshot(err))
}

// applyAudioLocked пересчитывает политику аудио маршрутизации по
// текущему состоянию. Вызывается под p.mu после каждого изменения
// состояния, затрагивающего аудио.
func (p *Phone) applyAudioLocked() {
	st := routeState{
		activeID:         p.registry.ActiveID(),
		onHold:           make(map[string]bool),
		conferenceActive: p.conf.modeLocked() == ConferenceActive,
		participants:     p.conf.participantsLocked(),
	}
	for _, s := range p.registry.List() {
		if s.IsOnHold {
			st.onHold[s.ID] = true
		}
	}
	p.router.Apply(st)
}

// handleRegistration обрабатывает изменение состояния регистрации.
func (p *Phone) handleRegistration(ev TransportEvent) {
	p.mu.Lock()
	p.regState = ev.Registration
	p.mu.Unlock()

	var err *Error
	if ev.Registration == RegistrationFailed {
		err = newError(ErrorCodeTransport, "потеряна регистрация на сервере")
		if ev.Reason != "" {
			err.Message = ev.Reason
		}
	}
	p.publish(err)
}
