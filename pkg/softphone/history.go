package softphone

import (
	"sync"
	"time"
)

// Outcome результат вызова в журнале истории.
type Outcome string

const (
	OutcomeOutgoing Outcome = "outgoing"
	OutcomeIncoming Outcome = "incoming"
	OutcomeFailed   Outcome = "failed"
)

// HistoryEntry запись журнала вызовов.
type HistoryEntry struct {
	RemoteParty string
	Timestamp   time.Time
	Outcome     Outcome
	// Duration длительность разговора; ноль для вызовов,
	// не дошедших до connected
	Duration time.Duration
}

// historyCapacity максимум хранимых записей, самые старые вытесняются.
const historyCapacity = 10

// History - журнал завершенных вызовов, только добавление,
// ограничен historyCapacity последними записями.
type History struct {
	mu      sync.RWMutex
	entries []HistoryEntry
}

// NewHistory создает пустой журнал.
func NewHistory() *History {
	return &History{}
}

// Append добавляет запись, вытесняя самую старую при переполнении.
// Новые записи встают в начало списка.
func (h *History) Append(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append([]HistoryEntry{e}, h.entries...)
	if len(h.entries) > historyCapacity {
		h.entries = h.entries[:historyCapacity]
	}
}

// Entries возвращает копию журнала, новые записи первыми.
func (h *History) Entries() []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len возвращает количество записей.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
