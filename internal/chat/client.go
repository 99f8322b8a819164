package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/strangerchat/relay-server-go/internal/errors"
	"github.com/strangerchat/relay-server-go/internal/model"
	"github.com/strangerchat/relay-server-go/internal/notify"
)

const (
	defaultUpdateBuffer     = 256
	defaultResyncMinBackoff = 250 * time.Millisecond
	defaultResyncMaxBackoff = 10 * time.Second
	catchUpInterval         = 50 * time.Millisecond
)

type Options struct {
	// ID overrides the generated client id.
	ID               string
	CandidateLimit   int
	UpdateBuffer     int
	ResyncMinBackoff time.Duration
	ResyncMaxBackoff time.Duration
}

// Client is one anonymous chat participant. Commands (find, disconnect, new
// chat, close) run one at a time. While a session is current a watcher
// goroutine applies its change events to the client state.
type Client struct {
	id      string
	store   Store
	channel Channel
	matcher *Matcher
	relay   *Relay
	opts    Options

	opMu   sync.Mutex
	sendMu sync.Mutex

	mu          sync.Mutex
	session     *model.ChatSession
	timeline    timeline
	connecting  bool
	interests   model.Interests
	gen         uint64
	watch       *watcher
	pendingEnds []string
	closed      bool
	updates     chan Update
	dirty       bool
	catchingUp  bool
}

// watcher owns the subscription of one session generation.
type watcher struct {
	gen       uint64
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// halt stops the watcher and waits until its subscription is released.
func (w *watcher) halt() {
	w.cancel()
	<-w.done
}

func NewClient(store Store, channel Channel, opts Options) *Client {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = defaultUpdateBuffer
	}
	if opts.ResyncMinBackoff <= 0 {
		opts.ResyncMinBackoff = defaultResyncMinBackoff
	}
	if opts.ResyncMaxBackoff < opts.ResyncMinBackoff {
		opts.ResyncMaxBackoff = defaultResyncMaxBackoff
	}

	return &Client{
		id:       opts.ID,
		store:    store,
		channel:  channel,
		matcher:  NewMatcher(store, opts.CandidateLimit),
		relay:    NewRelay(store),
		opts:     opts,
		updates:  make(chan Update, opts.UpdateBuffer),
		timeline: timeline{},
	}
}

func (c *Client) ID() string {
	return c.id
}

// Updates streams state changes. There must be a single consumer. When it
// falls behind, granular updates are dropped and the next one delivered is a
// snapshot. The channel is closed by Close.
func (c *Client) Updates() <-chan Update {
	return c.updates
}

func (c *Client) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Client) Interests() model.Interests {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(model.Interests{}, c.interests...)
}

// FindOrCreateSession matches the client into a session. A session that is
// still live is returned as is. When the session was found but its
// subscription could not be set up yet, the session is returned together
// with a SUBSCRIPTION_FAILED error and the client keeps retrying.
func (c *Client) FindOrCreateSession(ctx context.Context, interests []string) (*model.ChatSession, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.isClosed() {
		return nil, apperrors.ClientClosed()
	}

	normalized := model.NormalizeInterests(interests)

	c.mu.Lock()
	c.interests = normalized
	current := c.session.Clone()
	c.mu.Unlock()

	if current != nil && !current.IsEnded() {
		return current, nil
	}
	if current != nil || c.hasPendingEnds() {
		if err := c.disconnect(ctx); err != nil {
			log.Warn().Err(err).Str("clientId", c.id).Msg("previous session not ended, matching anyway")
		}
	}

	return c.find(ctx, normalized)
}

// StartNewChat ends the current session, waits for its teardown and matches
// again with the last interests.
func (c *Client) StartNewChat(ctx context.Context) (*model.ChatSession, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.isClosed() {
		return nil, apperrors.ClientClosed()
	}

	if err := c.disconnect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	interests := append(model.Interests{}, c.interests...)
	c.mu.Unlock()

	return c.find(ctx, interests)
}

// Disconnect ends the current session. It is a no-op without a session or
// when the session already ended.
func (c *Client) Disconnect(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.isClosed() {
		return nil
	}
	return c.disconnect(ctx)
}

// Close disconnects and releases the client. Further commands fail with
// CLIENT_CLOSED.
func (c *Client) Close(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.isClosed() {
		return nil
	}

	err := c.disconnect(ctx)

	c.mu.Lock()
	c.closed = true
	close(c.updates)
	c.mu.Unlock()

	log.Debug().Str("clientId", c.id).Msg("chat client closed")
	return err
}

// SendMessage posts content to the active session. Blank content, a missing
// or inactive session and inserts the store refuses are no-ops returning
// (nil, nil).
func (c *Client) SendMessage(ctx context.Context, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(content) > model.MaxMessageLength {
		return nil, apperrors.ValidationError(fmt.Sprintf("Message exceeds %d characters", model.MaxMessageLength))
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperrors.ClientClosed()
	}
	session := c.session.Clone()
	gen := c.gen
	c.mu.Unlock()

	if !session.IsActive() {
		return nil, nil
	}

	msg, err := c.relay.Send(ctx, session, c.id, content)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeInvalidInput) {
			log.Debug().Err(err).Str("clientId", c.id).Str("sessionId", session.ID).Msg("send refused by store")
			return nil, nil
		}
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}

	c.mu.Lock()
	if c.gen == gen && c.session != nil && !c.session.IsEnded() && c.timeline.add(msg) {
		c.emitLocked(Update{Type: UpdateMessage, Message: cloneMessage(msg)})
	}
	c.mu.Unlock()

	return msg, nil
}

func (c *Client) find(ctx context.Context, interests model.Interests) (*model.ChatSession, error) {
	c.mu.Lock()
	c.connecting = true
	c.emitConnectingLocked()
	c.mu.Unlock()

	session, err := c.matcher.FindOrCreateSession(ctx, c.id, interests)
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.emitConnectingLocked()
		c.mu.Unlock()
		return nil, err
	}

	return session.Clone(), c.activate(ctx, session)
}

// activate makes session current, subscribes to its topic and loads its
// history. The watcher keeps retrying when the first attempt fails.
func (c *Client) activate(ctx context.Context, session *model.ChatSession) error {
	wctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.gen++
	w := &watcher{
		gen:       c.gen,
		sessionID: session.ID,
		ctx:       wctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.watch = w
	c.session = session.Clone()
	c.timeline.reset()
	c.connecting = true
	c.emitLocked(Update{Type: UpdateSession, Session: session.Clone()})
	c.mu.Unlock()

	sub, ended, err := c.subscribeAndLoad(ctx, w)
	go c.run(w, sub, ended)

	if err != nil {
		log.Warn().Err(err).Str("clientId", c.id).Str("sessionId", session.ID).Msg("session subscription pending")
		return err
	}
	return nil
}

// subscribeAndLoad subscribes before loading so nothing committed in between
// is missed; duplicates are dropped by the timeline.
func (c *Client) subscribeAndLoad(ctx context.Context, w *watcher) (*notify.Subscription, bool, error) {
	topic := notify.SessionTopic(w.sessionID)

	sub, err := c.channel.Subscribe(ctx, topic)
	if err != nil {
		return nil, false, apperrors.SubscriptionFailed(topic, err)
	}

	session, msgs, err := c.relay.Load(ctx, w.sessionID)
	if err != nil {
		c.channel.Unsubscribe(sub)
		return nil, false, apperrors.SubscriptionFailed(topic, err)
	}

	ended := c.applyLoad(w.gen, session, msgs)
	return sub, ended, nil
}

func (c *Client) run(w *watcher, sub *notify.Subscription, ended bool) {
	defer close(w.done)
	defer func() {
		if sub != nil {
			c.channel.Unsubscribe(sub)
		}
	}()

	if ended {
		return
	}

	backoff := c.opts.ResyncMinBackoff
	for {
		if sub == nil {
			timer := time.NewTimer(backoff)
			select {
			case <-w.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			s, ended, err := c.subscribeAndLoad(w.ctx, w)
			if err != nil {
				if w.ctx.Err() != nil {
					return
				}
				backoff = min(backoff*2, c.opts.ResyncMaxBackoff)
				log.Warn().Err(err).
					Str("clientId", c.id).
					Str("sessionId", w.sessionID).
					Dur("backoff", backoff).
					Msg("resync failed")
				continue
			}
			sub = s
			backoff = c.opts.ResyncMinBackoff
			log.Info().Str("clientId", c.id).Str("sessionId", w.sessionID).Msg("session resynced")
			if ended {
				return
			}
			continue
		}

		select {
		case <-w.ctx.Done():
			return

		case ev := <-sub.Events:
			if c.apply(w.gen, ev) {
				return
			}

		case <-sub.Done:
			// Events buffered before the subscription ended are still valid.
			for drained := false; !drained; {
				select {
				case ev := <-sub.Events:
					if c.apply(w.gen, ev) {
						return
					}
				default:
					drained = true
				}
			}

			err := sub.Err()
			c.channel.Unsubscribe(sub)
			sub = nil
			if w.ctx.Err() != nil || err == nil || errors.Is(err, notify.ErrClosed) {
				return
			}

			log.Warn().Err(err).Str("clientId", c.id).Str("sessionId", w.sessionID).Msg("subscription lost, resyncing")
			c.mu.Lock()
			if c.gen == w.gen {
				c.connecting = true
				c.emitConnectingLocked()
			}
			c.mu.Unlock()
		}
	}
}

// applyLoad installs a freshly loaded session and history for generation gen
// and reports whether the session has ended.
func (c *Client) applyLoad(gen uint64, session *model.ChatSession, msgs []*model.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen || c.session == nil {
		return true
	}
	if session != nil && acceptsStatus(c.session.Status, session.Status) {
		c.session = session.Clone()
	}
	c.timeline.merge(msgs)
	c.connecting = false
	c.emitLocked(Update{Type: UpdateSnapshot, State: ptr(c.stateLocked())})
	return c.session.IsEnded()
}

// apply folds one change event into the state of generation gen. It reports
// whether the session ended and the watcher should stop.
func (c *Client) apply(gen uint64, ev notify.Event) bool {
	switch ev.Table {
	case notify.TableMessages:
		var msg model.Message
		if err := ev.Decode(&msg); err != nil {
			log.Error().Err(err).Str("clientId", c.id).Msg("failed to decode message event")
			return false
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen || c.session == nil || msg.SessionID != c.session.ID {
			return false
		}
		if c.session.IsEnded() {
			return true
		}
		if c.timeline.add(&msg) {
			c.emitLocked(Update{Type: UpdateMessage, Message: cloneMessage(&msg)})
		}
		return false

	case notify.TableSessions:
		var row model.ChatSession
		if err := ev.Decode(&row); err != nil {
			log.Error().Err(err).Str("clientId", c.id).Msg("failed to decode session event")
			return false
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen || c.session == nil || row.ID != c.session.ID {
			return false
		}
		if !acceptsStatus(c.session.Status, row.Status) {
			return c.session.IsEnded()
		}
		c.session = row.Clone()
		c.emitLocked(Update{Type: UpdateSession, Session: row.Clone()})
		if row.IsEnded() {
			log.Info().Str("clientId", c.id).Str("sessionId", row.ID).Msg("session ended by peer")
		}
		return row.IsEnded()

	default:
		return false
	}
}

// disconnect clears the local session, waits for the watcher to release its
// subscription and ends the session in the store. Ends that failed earlier
// are retried first.
func (c *Client) disconnect(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	w := c.watch
	hadState := session != nil || c.connecting
	c.gen++
	c.session = nil
	c.watch = nil
	c.timeline.reset()
	c.connecting = false
	if session != nil && !session.IsEnded() {
		c.pendingEnds = appendUnique(c.pendingEnds, session.ID)
	}
	pending := append([]string(nil), c.pendingEnds...)
	if hadState {
		c.emitLocked(Update{Type: UpdateSnapshot, State: ptr(c.stateLocked())})
	}
	c.mu.Unlock()

	if w != nil {
		w.halt()
	}

	for _, sessionID := range pending {
		ended, err := c.store.EndSession(ctx, sessionID)
		if err != nil {
			log.Error().Err(err).Str("clientId", c.id).Str("sessionId", sessionID).Msg("failed to end session")
			return fmt.Errorf("end session: %w", err)
		}

		c.mu.Lock()
		c.pendingEnds = removeString(c.pendingEnds, sessionID)
		c.mu.Unlock()

		if ended {
			log.Info().Str("clientId", c.id).Str("sessionId", sessionID).Msg("session ended")
		}
	}
	return nil
}

func (c *Client) hasPendingEnds() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingEnds) > 0
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) stateLocked() State {
	return State{
		ClientID:     c.id,
		Session:      c.session.Clone(),
		Messages:     c.timeline.snapshot(),
		IsConnecting: c.connecting,
	}
}

func (c *Client) emitConnectingLocked() {
	connecting := c.connecting
	c.emitLocked(Update{Type: UpdateConnecting, IsConnecting: &connecting})
}

// emitLocked queues u without blocking. Once an update is dropped, granular
// updates are replaced by a snapshot until one fits.
func (c *Client) emitLocked(u Update) {
	if c.closed {
		return
	}
	if c.dirty && u.Type != UpdateSnapshot {
		u = Update{Type: UpdateSnapshot, State: ptr(c.stateLocked())}
	}
	select {
	case c.updates <- u:
		c.dirty = false
	default:
		c.dirty = true
		if !c.catchingUp {
			c.catchingUp = true
			go c.catchUp()
		}
	}
}

// catchUp delivers a snapshot once the consumer makes room, so a dropped
// final update is not lost when nothing else is emitted after it.
func (c *Client) catchUp() {
	ticker := time.NewTicker(catchUpInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if !c.closed && c.dirty {
			c.emitLocked(Update{Type: UpdateSnapshot, State: ptr(c.stateLocked())})
		}
		if c.closed || !c.dirty {
			c.catchingUp = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}

// acceptsStatus reports whether a row with status next may replace one with
// status current.
func acceptsStatus(current, next model.SessionStatus) bool {
	return current == next || current.CanTransitionTo(next)
}

func cloneMessage(m *model.Message) *model.Message {
	c := *m
	return &c
}

func ptr[T any](v T) *T {
	return &v
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
