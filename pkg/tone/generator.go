// Package tone синтезирует тоновую обратную связь софтфона: ringback
// для исходящих вызовов и ringtone для входящих, до появления
// удаленной медиа.
//
// Частоты и каденция соответствуют североамериканскому плану нумерации:
//   - ringback: 350 Гц + 440 Гц, 2 секунды тон / 4 секунды тишина;
//   - ringtone: 440 Гц + 480 Гц, та же каденция.
//
// На сессию может играть ровно один тон. Все ресурсы осцилляторов
// отслеживаются и явно освобождаются, чтобы прерывание цикла посреди
// тона не оставляло утечек.
package tone

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Kind тип тона.
type Kind int

const (
	// Ringback тональный сигнал контроля посылки вызова (исходящий)
	Ringback Kind = iota + 1
	// Ringtone сигнал входящего вызова
	Ringtone
)

// String возвращает строковое представление типа тона.
func (k Kind) String() string {
	switch k {
	case Ringback:
		return "ringback"
	case Ringtone:
		return "ringtone"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Частоты пар тонов в герцах.
var toneFrequencies = map[Kind][2]float64{
	Ringback: {350, 440},
	Ringtone: {440, 480},
}

// Каденция: 2 секунды тон, 4 секунды тишина, цикл повторяется.
const (
	cadenceOn     = 2 * time.Second
	cadencePeriod = 6 * time.Second
)

// FrameFunc получает очередной кадр закодированного тона.
// Вызывается из горутины осциллятора.
type FrameFunc func(sessionID string, frame *Frame)

// Config конфигурация генератора.
type Config struct {
	// SampleRate частота дискретизации (по умолчанию 8000 Гц)
	SampleRate int

	// FrameDuration длительность одного кадра (по умолчанию 20 мс)
	FrameDuration time.Duration

	// OnFrame приемник кадров. Если nil, горутины осцилляторов не
	// запускаются и генератор ведет только учет активных тонов -
	// удобно, когда проигрыванием занимается внешний медиа слой.
	OnFrame FrameFunc

	// Logger опциональный структурированный логгер
	Logger *slog.Logger
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		SampleRate:    8000,
		FrameDuration: 20 * time.Millisecond,
	}
}

// Generator управляет осцилляторами тонов по сессиям.
// Все операции thread-safe.
type Generator struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	oscs map[string]*oscillator
}

// New создает генератор тонов.
func New(cfg Config) *Generator {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		cfg:    cfg,
		logger: logger.With("component", "tone"),
		oscs:   make(map[string]*oscillator),
	}
}

// StartRingback запускает ringback для сессии.
func (g *Generator) StartRingback(sessionID string) error {
	return g.start(sessionID, Ringback)
}

// StartRingtone запускает ringtone для сессии.
func (g *Generator) StartRingtone(sessionID string) error {
	return g.start(sessionID, Ringtone)
}

// start запускает осциллятор. Повторный запуск для той же сессии -
// ошибка: на сессию допускается ровно один тон.
func (g *Generator) start(sessionID string, kind Kind) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.oscs[sessionID]; ok {
		return fmt.Errorf("тон для сессии %s уже играет", sessionID)
	}

	osc := newOscillator(sessionID, kind, g.cfg)
	g.oscs[sessionID] = osc

	if g.cfg.OnFrame != nil {
		go osc.run(g.cfg.OnFrame)
	}

	g.logger.Debug("тон запущен", "session_id", sessionID, "kind", kind.String())
	return nil
}

// Stop безусловно останавливает тон сессии и освобождает ресурсы
// осциллятора. Для сессии без тона ничего не делает.
func (g *Generator) Stop(sessionID string) {
	g.mu.Lock()
	osc, ok := g.oscs[sessionID]
	if ok {
		delete(g.oscs, sessionID)
	}
	g.mu.Unlock()

	if !ok {
		return
	}
	osc.stop()
	g.logger.Debug("тон остановлен", "session_id", sessionID, "kind", osc.kind.String())
}

// Active сообщает, играет ли тон для сессии.
func (g *Generator) Active(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.oscs[sessionID]
	return ok
}

// ActiveKind возвращает тип играющего тона сессии.
func (g *Generator) ActiveKind(sessionID string) (Kind, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	osc, ok := g.oscs[sessionID]
	if !ok {
		return 0, false
	}
	return osc.kind, true
}

// StopAll останавливает все тоны. Используется при остановке телефона.
func (g *Generator) StopAll() {
	g.mu.Lock()
	oscs := g.oscs
	g.oscs = make(map[string]*oscillator)
	g.mu.Unlock()

	for _, osc := range oscs {
		osc.stop()
	}
}

// oscillator генерирует кадры одного тона.
type oscillator struct {
	sessionID string
	kind      Kind
	cfg       Config

	// position номер следующего сэмпла от начала тона,
	// определяет и фазу синусоид, и позицию в каденции
	position int64

	pktz *Packetizer

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newOscillator(sessionID string, kind Kind, cfg Config) *oscillator {
	return &oscillator{
		sessionID: sessionID,
		kind:      kind,
		cfg:       cfg,
		pktz:      NewPacketizer(PayloadTypePCMU),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// run генерирует кадры по тикам до остановки.
func (o *oscillator) run(onFrame FrameFunc) {
	defer close(o.done)

	ticker := time.NewTicker(o.cfg.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			onFrame(o.sessionID, o.nextFrame())
		}
	}
}

// stop завершает горутину осциллятора и дожидается ее выхода.
func (o *oscillator) stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	if o.cfg.OnFrame != nil {
		<-o.done
	}
}

// nextFrame синтезирует очередной кадр: PCM, затем G.711 μ-law,
// затем RTP пакет.
func (o *oscillator) nextFrame() *Frame {
	samples := o.cfg.SampleRate * int(o.cfg.FrameDuration) / int(time.Second)
	pcm := Synthesize(o.kind, o.position, samples, o.cfg.SampleRate)
	o.position += int64(samples)

	payload := EncodeUlaw(pcm)
	return &Frame{
		PCM:     pcm,
		Payload: payload,
		Packet:  o.pktz.Packetize(payload),
	}
}

// Synthesize генерирует n сэмплов тона kind, начиная с позиции pos.
//
// Кадр - сумма двух синусоид пары частот тона с амплитудой половины
// шкалы, обнуляемая в off-фазе каденции. Позиция pos задает и фазу
// синусоид, и позицию внутри каденции, поэтому последовательные
// вызовы дают непрерывный сигнал.
func Synthesize(kind Kind, pos int64, n, sampleRate int) []int16 {
	freqs := toneFrequencies[kind]
	onSamples := int64(sampleRate) * int64(cadenceOn) / int64(time.Second)
	periodSamples := int64(sampleRate) * int64(cadencePeriod) / int64(time.Second)

	pcm := make([]int16, n)
	for i := 0; i < n; i++ {
		p := pos + int64(i)
		if p%periodSamples >= onSamples {
			continue // off-фаза каденции, тишина
		}
		t := float64(p) / float64(sampleRate)
		v := 0.25*math.Sin(2*math.Pi*freqs[0]*t) +
			0.25*math.Sin(2*math.Pi*freqs[1]*t)
		pcm[i] = int16(v * math.MaxInt16)
	}
	return pcm
}
