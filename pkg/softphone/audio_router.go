package softphone

import (
	"log/slog"
	"sync"
)

// AudioSink - непрозрачный приемник медиа одной сессии, принадлежащий
// медиа коллаборатору (WebRTC стек браузера либо локальный аудио вывод).
type AudioSink interface {
	// SetMuted включает/выключает звук приемника
	SetMuted(muted bool) error
	// Close освобождает ресурсы приемника
	Close() error
}

// SinkFactory создает приемник для сессии, когда для нее впервые
// появляется удаленная медиа. Явная регистрация от медиа коллаборатора
// заменяет периодическое сканирование появившихся медиа элементов.
type SinkFactory func(sessionID string) (AudioSink, error)

// routeState описывает снимок состояния, по которому маршрутизатор
// пересчитывает политику mute.
type routeState struct {
	// activeID активная сессия ("" если нет)
	activeID string
	// onHold сессии на удержании
	onHold map[string]bool
	// conferenceActive конференция в режиме active
	conferenceActive bool
	// participants участники конференции
	participants map[string]bool
}

// AudioRouter применяет политику mute/sink ко всем зарегистрированным
// сессиям.
//
// Политика (пересчитывается после каждого изменения состояния):
//   - размьючен ровно приемник активной сессии, если она не на удержании;
//   - при активной конференции размьючены все участники вместе
//     (аудио микшируется на стороне моста);
//   - сессия на удержании всегда замьючена;
//   - принудительный mute оператора перекрывает политику.
//
// Приемники создаются лениво при первом появлении удаленной медиа и
// уничтожаются при удалении сессии из реестра - никогда не повисают.
type AudioRouter struct {
	mu      sync.Mutex
	factory SinkFactory
	logger  *slog.Logger

	sinks map[string]AudioSink
	// muted текущее примененное состояние mute по сессиям
	muted map[string]bool
	// forced принудительный mute, выставленный оператором
	forced map[string]bool
}

// NewAudioRouter создает маршрутизатор. factory может быть nil -
// тогда маршрутизатор только ведет учет состояния mute.
func NewAudioRouter(factory SinkFactory, logger *slog.Logger) *AudioRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AudioRouter{
		factory: factory,
		logger:  logger.With("component", "audio_router"),
		sinks:   make(map[string]AudioSink),
		muted:   make(map[string]bool),
		forced:  make(map[string]bool),
	}
}

// EnsureRoute лениво создает аудио маршрут сессии. Повторные вызовы
// для той же сессии ничего не делают. Новый маршрут создается
// замьюченным, пока политика не решит иначе.
func (ar *AudioRouter) EnsureRoute(sessionID string) error {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	if _, ok := ar.muted[sessionID]; ok {
		return nil
	}
	ar.muted[sessionID] = true

	if ar.factory == nil {
		return nil
	}
	sink, err := ar.factory(sessionID)
	if err != nil {
		delete(ar.muted, sessionID)
		return wrapError(ErrorCodeMedia, "не удалось создать аудио приемник", err)
	}
	ar.sinks[sessionID] = sink
	ar.logger.Debug("аудио маршрут создан", "session_id", sessionID)
	return nil
}

// Release уничтожает маршрут сессии. Вызывается при удалении сессии
// из реестра.
func (ar *AudioRouter) Release(sessionID string) {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	if sink, ok := ar.sinks[sessionID]; ok {
		if err := sink.Close(); err != nil {
			ar.logger.Warn("ошибка закрытия аудио приемника",
				"session_id", sessionID, "error", err)
		}
		delete(ar.sinks, sessionID)
	}
	delete(ar.muted, sessionID)
	delete(ar.forced, sessionID)
}

// SetForcedMute выставляет/снимает принудительный mute оператора.
// Политика пересчитывается вызывающей стороной через Apply.
func (ar *AudioRouter) SetForcedMute(sessionID string, muted bool) {
	ar.mu.Lock()
	ar.forced[sessionID] = muted
	ar.mu.Unlock()
}

// IsMuted возвращает текущее примененное состояние mute сессии.
// Для сессии без маршрута возвращает true.
func (ar *AudioRouter) IsMuted(sessionID string) bool {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	muted, ok := ar.muted[sessionID]
	if !ok {
		return true
	}
	return muted
}

// UnmutedCount возвращает количество размьюченных сессий.
func (ar *AudioRouter) UnmutedCount() int {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	n := 0
	for _, muted := range ar.muted {
		if !muted {
			n++
		}
	}
	return n
}

// Apply пересчитывает и применяет политику mute по срезу состояния.
func (ar *AudioRouter) Apply(st routeState) {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	for id := range ar.muted {
		desired := ar.desiredMuted(id, st)
		if ar.muted[id] == desired {
			continue
		}
		ar.muted[id] = desired
		if sink, ok := ar.sinks[id]; ok {
			if err := sink.SetMuted(desired); err != nil {
				ar.logger.Warn("ошибка применения mute",
					"session_id", id, "muted", desired, "error", err)
			}
		}
	}
}

// desiredMuted вычисляет целевое состояние mute одной сессии.
// Вызывается под ar.mu.
func (ar *AudioRouter) desiredMuted(id string, st routeState) bool {
	if ar.forced[id] {
		return true
	}
	// Удержание всегда мьютит, независимо от активности и конференции
	if st.onHold[id] {
		return true
	}
	if st.conferenceActive && st.participants[id] {
		return false
	}
	return id != st.activeID
}
