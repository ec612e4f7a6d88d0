package softphone

import "sync"

// Registry - авторитетная карта живых ног вызова плюс единственный
// указатель на активную сессию.
//
// Registry хранит только саму карту: вся политика (аудио, конференция,
// история) живет в других компонентах, наблюдающих мутации реестра.
// Все операции thread-safe.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	activeID string
}

// NewRegistry создает пустой реестр сессий.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Create создает новую сессию в состоянии idle и помещает ее в реестр.
// Уникальность идентификатора гарантируется конструкцией (метка времени
// плюс криптослучайный суффикс).
func (r *Registry) Create(direction Direction, remoteParty string) *Session {
	s := &Session{
		ID:          newSessionID(),
		RemoteParty: remoteParty,
		Direction:   direction,
		Status:      StatusIdle,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	return s
}

// Get возвращает сессию по идентификатору.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove удаляет сессию из реестра. Если она была активной,
// указатель активной сессии сбрасывается - реестр никогда не
// содержит висящего activeID.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	if r.activeID == id {
		r.activeID = ""
	}
}

// List возвращает все живые сессии. Порядок не значим.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count возвращает количество живых сессий.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SetActive делает сессию активной. Идентификатор обязан ссылаться
// на живую запись реестра.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return newSessionError(ErrorCodeSessionNotFound, id, "сессия не найдена в реестре")
	}
	r.activeID = id
	return nil
}

// ClearActive сбрасывает указатель активной сессии.
func (r *Registry) ClearActive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeID = ""
}

// Active возвращает активную сессию, если указатель установлен.
func (r *Registry) Active() (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.activeID == "" {
		return nil, false
	}
	s, ok := r.sessions[r.activeID]
	return s, ok
}

// ActiveID возвращает идентификатор активной сессии ("" если нет).
func (r *Registry) ActiveID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

// findByHandle ищет сессию по непрозрачному handle транспорта.
// Количество одновременных ног мало, линейный проход достаточен.
func (r *Registry) findByHandle(h TransportHandle) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Handle == h {
			return s, true
		}
	}
	return nil, false
}
