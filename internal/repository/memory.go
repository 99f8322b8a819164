package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/strangerchat/relay-server-go/internal/model"
)

// MemoryDB keeps sessions and messages in process. It backs the memory store
// driver and tests. Transactions are serialized and roll back on error.
type MemoryDB struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	sessions map[string]*model.ChatSession
	messages map[string][]*model.Message
	byID     map[string]*model.Message
	seq      int64
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		sessions: make(map[string]*model.ChatSession),
		messages: make(map[string][]*model.Message),
		byID:     make(map[string]*model.Message),
	}
}

func (db *MemoryDB) Set() Set {
	return Set{
		Sessions: &memorySessionRepo{db: db},
		Messages: &memoryMessageRepo{db: db},
	}
}

func (db *MemoryDB) RunInTx(ctx context.Context, fn func(Set) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	db.txMu.Lock()
	defer db.txMu.Unlock()

	snap := db.snapshot()
	if err := fn(db.Set()); err != nil {
		db.restore(snap)
		return err
	}
	return nil
}

func (db *MemoryDB) Ping(ctx context.Context) error {
	return nil
}

type memorySnapshot struct {
	sessions map[string]*model.ChatSession
	messages map[string][]*model.Message
	byID     map[string]*model.Message
	seq      int64
}

// snapshot copies the indexes. Rows are never mutated in place, so sharing
// the pointers is enough.
func (db *MemoryDB) snapshot() memorySnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()

	snap := memorySnapshot{
		sessions: make(map[string]*model.ChatSession, len(db.sessions)),
		messages: make(map[string][]*model.Message, len(db.messages)),
		byID:     make(map[string]*model.Message, len(db.byID)),
		seq:      db.seq,
	}
	for k, v := range db.sessions {
		snap.sessions[k] = v
	}
	for k, v := range db.messages {
		snap.messages[k] = v[:len(v):len(v)]
	}
	for k, v := range db.byID {
		snap.byID[k] = v
	}
	return snap
}

func (db *MemoryDB) restore(snap memorySnapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.sessions = snap.sessions
	db.messages = snap.messages
	db.byID = snap.byID
	db.seq = snap.seq
}

type memorySessionRepo struct {
	db *MemoryDB
}

func (r *memorySessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return r
}

func (r *memorySessionRepo) FindByID(ctx context.Context, id string) (*model.ChatSession, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.db.sessions[id].Clone(), nil
}

func (r *memorySessionRepo) ListWaiting(ctx context.Context, excludeInitiatorID string, limit int) ([]*model.ChatSession, error) {
	return r.listWaiting(limit, func(s *model.ChatSession) bool {
		return s.PeerID == nil && s.InitiatorID != excludeInitiatorID
	}), nil
}

func (r *memorySessionRepo) ListWaitingBefore(ctx context.Context, before time.Time, limit int) ([]*model.ChatSession, error) {
	return r.listWaiting(limit, func(s *model.ChatSession) bool {
		return s.CreatedAt.Before(before)
	}), nil
}

func (r *memorySessionRepo) listWaiting(limit int, keep func(*model.ChatSession) bool) []*model.ChatSession {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var out []*model.ChatSession
	for _, s := range r.db.sessions {
		if s.Status == model.SessionStatusWaiting && keep(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *memorySessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.ChatSession, error) {
	now := time.Now().UTC()
	interests := append(model.Interests{}, params.Interests...)
	session := &model.ChatSession{
		ID:          uuid.NewString(),
		Status:      model.SessionStatusWaiting,
		InitiatorID: params.InitiatorID,
		Interests:   interests,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.sessions[session.ID] = session
	return session.Clone(), nil
}

func (r *memorySessionRepo) Join(ctx context.Context, id string, peerID string) (*model.ChatSession, error) {
	return r.update(id, func(s *model.ChatSession) bool {
		if s.Status != model.SessionStatusWaiting || s.PeerID != nil || s.InitiatorID == peerID {
			return false
		}
		s.Status = model.SessionStatusActive
		s.PeerID = &peerID
		return true
	})
}

func (r *memorySessionRepo) MarkEnded(ctx context.Context, id string) (*model.ChatSession, error) {
	return r.update(id, func(s *model.ChatSession) bool {
		if s.Status == model.SessionStatusEnded {
			return false
		}
		r.end(s)
		return true
	})
}

func (r *memorySessionRepo) ExpireWaiting(ctx context.Context, id string) (*model.ChatSession, error) {
	return r.update(id, func(s *model.ChatSession) bool {
		if s.Status != model.SessionStatusWaiting {
			return false
		}
		r.end(s)
		return true
	})
}

func (r *memorySessionRepo) end(s *model.ChatSession) {
	now := time.Now().UTC()
	s.Status = model.SessionStatusEnded
	s.EndedAt = &now
}

// update applies fn to a copy of the row and swaps it in when fn reports a change.
func (r *memorySessionRepo) update(id string, fn func(*model.ChatSession) bool) (*model.ChatSession, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	current, ok := r.db.sessions[id]
	if !ok {
		return nil, nil
	}
	next := current.Clone()
	if !fn(next) {
		return nil, nil
	}
	next.UpdatedAt = time.Now().UTC()
	r.db.sessions[id] = next
	return next.Clone(), nil
}

func (r *memorySessionRepo) CountByStatus(ctx context.Context, status model.SessionStatus) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	count := 0
	for _, s := range r.db.sessions {
		if s.Status == status {
			count++
		}
	}
	return count, nil
}

type memoryMessageRepo struct {
	db *MemoryDB
}

func (r *memoryMessageRepo) WithTx(tx *sqlx.Tx) MessageRepository {
	return r
}

func (r *memoryMessageRepo) FindByID(ctx context.Context, id string) (*model.Message, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	msg, ok := r.db.byID[id]
	if !ok {
		return nil, nil
	}
	out := *msg
	return &out, nil
}

func (r *memoryMessageRepo) ListBySession(ctx context.Context, sessionID string) ([]*model.Message, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	stored := r.db.messages[sessionID]
	out := make([]*model.Message, 0, len(stored))
	for _, msg := range stored {
		m := *msg
		out = append(out, &m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (r *memoryMessageRepo) Create(ctx context.Context, params model.CreateMessageParams) (*model.Message, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	r.db.seq++
	msg := &model.Message{
		Seq:       r.db.seq,
		ID:        uuid.NewString(),
		SessionID: params.SessionID,
		SenderID:  params.SenderID,
		Kind:      params.Kind,
		Content:   params.Content,
		CreatedAt: time.Now().UTC(),
	}
	r.db.messages[msg.SessionID] = append(r.db.messages[msg.SessionID], msg)
	r.db.byID[msg.ID] = msg

	out := *msg
	return &out, nil
}

func (r *memoryMessageRepo) CountBySession(ctx context.Context, sessionID string) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return len(r.db.messages[sessionID]), nil
}
