// Package sessionstore implements the Session Store entity from spec.md
// §4.10: a move-to-end LRU ordered map of MCP transport sessions with slot
// reservation and a background, bounded-parallel TTL sweep. Grounded on the
// teacher's session.SessionManager (RWMutex-guarded map, parallel-creation
// shape) generalized from "HTTP automation session" to the transport session
// entity in spec.md §3.1, with LRU ordering added via container/list; the
// sweep's batched-parallel eviction is grounded on the teacher's
// scheduler.Scheduler.dispatchJobs fan-out combined with worker.WorkerPool.
package sessionstore

import (
	"container/list"
	"sync"
	"time"

	"github.com/fetchmcp/fetchmcp/internal/logging"
)

// Entry is the Session entry from spec.md §3.1.
type Entry struct {
	SessionID                string
	Transport                interface{}
	CreatedAt                time.Time
	LastSeen                 time.Time
	ProtocolInitialized      bool
	NegotiatedProtocolVersion string
	AuthFingerprint          string
}

// CloseHook is invoked once per evicted session so the caller can tear down
// its transport + server pair. Close failures are logged, never rethrown.
type CloseHook func(Entry) error

type record struct {
	entry   Entry
	element *list.Element
}

// Store is the Session Store component.
type Store struct {
	mu       sync.Mutex
	order    *list.List // MRU at the back
	records  map[string]*record
	inFlight int

	log *logging.Logger

	// sweep control
	sweepStop   chan struct{}
	sweepOnce   sync.Once
	sweepDone   chan struct{}
	batchSize   int
	sweepWorker int
}

// New builds an empty Store.
func New(log *logging.Logger) *Store {
	return &Store{
		order:       list.New(),
		records:     make(map[string]*record),
		log:         log,
		batchSize:   10,
		sweepWorker: 4,
	}
}

// ReserveSlot implements reserveSlot(maxSessions) from spec.md §4.10.
func (s *Store) ReserveSlot(maxSessions int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records)+s.inFlight < maxSessions {
		s.inFlight++
		return true
	}
	return false
}

// ReleaseSlot implements releaseSlot() from spec.md §4.10.
func (s *Store) ReleaseSlot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight > 0 {
		s.inFlight--
	}
}

// Put registers a new session entry (called once a reserved slot's
// initialization completes). Callers should ReleaseSlot after Put.
func (s *Store) Put(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &record{entry: e}
	r.element = s.order.PushBack(r)
	s.records[e.SessionID] = r
}

// Get returns the entry for id without affecting LRU order.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Entry{}, false
	}
	return r.entry, true
}

// Touch implements touch(id) from spec.md §4.10: updates lastSeen and moves
// the entry to MRU; ignored if id is not present.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return
	}
	r.entry.LastSeen = time.Now()
	s.order.MoveToBack(r.element)
}

// Remove deletes id unconditionally, used for explicit DELETE /mcp teardown.
func (s *Store) Remove(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Entry{}, false
	}
	s.removeLocked(r)
	return r.entry, true
}

func (s *Store) removeLocked(r *record) {
	s.order.Remove(r.element)
	delete(s.records, r.entry.SessionID)
}

// EvictExpired implements evictExpired() from spec.md §4.10: removes every
// entry whose idle time exceeds sessionTtl and returns them for external
// close.
func (s *Store) EvictExpired(sessionTTL time.Duration) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var expired []Entry
	var next *list.Element
	for e := s.order.Front(); e != nil; e = next {
		next = e.Next()
		r := e.Value.(*record)
		if now.Sub(r.entry.LastSeen) > sessionTTL {
			expired = append(expired, r.entry)
			s.removeLocked(r)
		}
	}
	return expired
}

// EvictOldest implements evictOldest() from spec.md §4.10.
func (s *Store) EvictOldest() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	front := s.order.Front()
	if front == nil {
		return Entry{}, false
	}
	r := front.Value.(*record)
	s.removeLocked(r)
	return r.entry, true
}

// EnsureCapacity implements ensureCapacity(maxSessions, evictOldest) from
// spec.md §4.10.
func (s *Store) EnsureCapacity(maxSessions int) bool {
	s.mu.Lock()
	under := len(s.records)+s.inFlight < maxSessions
	s.mu.Unlock()
	if under {
		return true
	}
	if _, ok := s.EvictOldest(); !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)+s.inFlight < maxSessions
}

// Count returns the number of live (non-expired-check) entries.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// sweepInterval implements the "min(max(sessionTtl/2, 10s), 60s)" formula
// from spec.md §4.10.
func sweepInterval(sessionTTL time.Duration) time.Duration {
	interval := sessionTTL / 2
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	if interval > 60*time.Second {
		interval = 60 * time.Second
	}
	return interval
}

// StartSweep launches the background TTL sweep loop (spec.md §4.10). Each
// tick calls EvictExpired and runs the close hook over the result in
// batches of up to 10 with bounded parallelism. The loop stops when stop
// is closed (StopSweep closes it and waits for the loop to exit).
func (s *Store) StartSweep(sessionTTL time.Duration, onClose CloseHook, stop <-chan struct{}) {
	s.sweepOnce.Do(func() {
		s.sweepDone = make(chan struct{})
		go s.sweepLoop(sessionTTL, onClose, stop)
	})
}

func (s *Store) sweepLoop(sessionTTL time.Duration, onClose CloseHook, stop <-chan struct{}) {
	defer close(s.sweepDone)

	ticker := time.NewTicker(sweepInterval(sessionTTL))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.runOneSweep(sessionTTL, onClose, stop)
		}
	}
}

func (s *Store) runOneSweep(sessionTTL time.Duration, onClose CloseHook, stop <-chan struct{}) {
	expired := s.EvictExpired(sessionTTL)
	for start := 0; start < len(expired); start += s.batchSize {
		select {
		case <-stop:
			return
		default:
		}
		end := start + s.batchSize
		if end > len(expired) {
			end = len(expired)
		}
		s.closeBatch(expired[start:end], onClose)
	}
}

// closeBatch runs onClose over batch with bounded parallelism, mirroring the
// teacher's scheduler-fan-out-to-worker-pool shape.
func (s *Store) closeBatch(batch []Entry, onClose CloseHook) {
	if onClose == nil {
		return
	}
	sem := make(chan struct{}, s.sweepWorker)
	var wg sync.WaitGroup
	for _, e := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(entry Entry) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := onClose(entry); err != nil && s.log != nil {
				s.log.Warnf("sessionstore: close hook failed for session %s: %v", entry.SessionID, err)
			}
		}(e)
	}
	wg.Wait()
}

// StopSweep signals the sweep loop to stop and waits for it to exit.
func (s *Store) StopSweep(stop chan struct{}) {
	close(stop)
	if s.sweepDone != nil {
		<-s.sweepDone
	}
}
