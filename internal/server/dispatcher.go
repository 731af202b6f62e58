package server

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/domain"
	"github.com/Tyrowin/gochat/internal/events"
	"github.com/Tyrowin/gochat/internal/presence"
)

// Submitter accepts messages for asynchronous persistence. Submit must not
// block.
type Submitter interface {
	Submit(msg domain.Message) error
}

// Dispatcher turns one inbound event into outbound deliveries. It owns the
// presence registry and the online set for routing purposes.
type Dispatcher struct {
	registry *presence.Registry
	online   *presence.OnlineSet
	writer   Submitter
	scope    string
	logger   *zap.Logger

	now   func() time.Time
	newID func() string
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDisconnectScope selects DisconnectGlobal or DisconnectMembers.
func WithDisconnectScope(scope string) DispatcherOption {
	return func(d *Dispatcher) {
		if scope == DisconnectMembers {
			d.scope = DisconnectMembers
		}
	}
}

// WithDispatcherLogger sets the dispatcher's logger.
func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher builds a dispatcher. writer may be nil, in which case
// messages are delivered but never stored.
func NewDispatcher(registry *presence.Registry, online *presence.OnlineSet, writer Submitter, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		online:   online,
		writer:   writer,
		scope:    DisconnectGlobal,
		logger:   zap.NewNop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnlineUsers returns the current online-set snapshot.
func (d *Dispatcher) OnlineUsers() []string {
	return d.online.Snapshot()
}

// ConnectedUsers returns the identities with a connection on this node.
func (d *Dispatcher) ConnectedUsers() []string {
	return d.registry.Identities()
}

// Reachable reports whether identity has a connection on this node.
func (d *Dispatcher) Reachable(identity string) bool {
	return d.registry.Reachable(identity)
}

// Connect makes c routable.
func (d *Dispatcher) Connect(c *Client) {
	d.registry.Register(c)
}

// Dispatch decodes one inbound frame from c and handles it. Malformed
// frames and unknown events are logged and dropped; a panic while handling
// is recovered so it cannot take down the connection.
func (d *Dispatcher) Dispatch(c *Client, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("recovered from panic while handling event",
				zap.String("conn", c.ID()),
				zap.Any("panic", r))
		}
	}()

	env, err := events.Decode(frame)
	if err != nil {
		d.logger.Warn("invalid frame", zap.String("conn", c.ID()), zap.Error(err))
		return
	}

	switch env.Event {
	case events.SendMessage:
		var p events.SendMessagePayload
		if d.decode(c, env, &p) {
			d.SendMessage(c, p)
		}
	case events.StartTyping, events.StopTyping:
		var p events.TypingPayload
		if d.decode(c, env, &p) {
			d.Typing(c, env.Event, p)
		}
	case events.Join:
		var p events.PresencePayload
		if d.decode(c, env, &p) {
			d.Join(c, p)
		}
	case events.Leave:
		var p events.PresencePayload
		if d.decode(c, env, &p) {
			d.Leave(c, p)
		}
	default:
		d.logger.Warn("unknown event", zap.String("conn", c.ID()), zap.String("event", env.Event))
	}
}

func (d *Dispatcher) decode(c *Client, env events.Envelope, v any) bool {
	if len(env.Data) == 0 {
		d.logger.Warn("event without payload", zap.String("conn", c.ID()), zap.String("event", env.Event))
		return false
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		d.logger.Warn("malformed payload",
			zap.String("conn", c.ID()),
			zap.String("event", env.Event),
			zap.Error(err))
		return false
	}
	return true
}

// SendMessage broadcasts a new message and its alert to every reachable
// member, then submits it for persistence exactly once. The sender is
// always the connection's identity.
func (d *Dispatcher) SendMessage(c *Client, p events.SendMessagePayload) {
	if strings.TrimSpace(p.Message) == "" {
		d.logger.Warn("rejecting empty message", zap.String("conn", c.ID()), zap.String("chat", p.ChatID))
		return
	}

	sentAt := d.now().UTC()
	msg := events.ChatMessage{
		ID:      d.newID(),
		Content: p.Message,
		Sender: events.Sender{
			ID:   c.Identity(),
			Name: c.DisplayName(),
		},
		Chat:      p.ChatID,
		CreatedAt: sentAt.Format("2006-01-02T15:04:05.000Z"),
	}

	full, err := events.Encode(events.NewMessage, events.NewMessagePayload{ChatID: p.ChatID, Message: msg})
	if err != nil {
		d.logger.Error("encode new-message", zap.Error(err))
		return
	}
	alert, err := events.Encode(events.NewMessageAlert, events.ChatRef{ChatID: p.ChatID})
	if err != nil {
		d.logger.Error("encode new-message-alert", zap.Error(err))
		return
	}

	recipients := d.registry.Resolve(p.Members)
	for _, conn := range recipients {
		conn.Deliver(full)
		conn.Deliver(alert)
	}
	d.logger.Debug("message delivered",
		zap.String("chat", p.ChatID),
		zap.Int("members", len(p.Members)),
		zap.Int("connections", len(recipients)))

	if d.writer == nil {
		return
	}
	if err := d.writer.Submit(domain.Message{
		ConversationID: p.ChatID,
		SenderID:       c.Identity(),
		Content:        p.Message,
		SentAt:         sentAt,
	}); err != nil {
		d.logger.Warn("message not queued for persistence", zap.String("chat", p.ChatID), zap.Error(err))
	}
}

// Typing relays start-typing or stop-typing to every member connection
// except the one it came from.
func (d *Dispatcher) Typing(c *Client, event string, p events.TypingPayload) {
	frame, err := events.Encode(event, events.ChatRef{ChatID: p.ChatID})
	if err != nil {
		d.logger.Error("encode typing event", zap.Error(err))
		return
	}
	for _, conn := range d.registry.Resolve(p.Members) {
		if conn.ID() == c.ID() {
			continue
		}
		conn.Deliver(frame)
	}
}

// Join marks the connection's user online and tells the conversation's
// members.
func (d *Dispatcher) Join(c *Client, p events.PresencePayload) {
	d.checkClaimedIdentity(c, p)
	c.remember(p.Members)
	snapshot := d.online.MarkOnline(c.Identity())
	d.broadcastOnline(d.registry.Resolve(p.Members), snapshot)
}

// Leave marks the connection's user offline and tells the conversation's
// members.
func (d *Dispatcher) Leave(c *Client, p events.PresencePayload) {
	d.checkClaimedIdentity(c, p)
	snapshot := d.online.MarkOffline(c.Identity())
	d.broadcastOnline(d.registry.Resolve(p.Members), snapshot)
}

// Disconnect removes c from the registry. When it was the identity's last
// connection the identity also leaves the online set. The resulting list
// goes to every connection, or only to joined members under
// DisconnectMembers.
func (d *Dispatcher) Disconnect(c *Client) {
	d.registry.Unregister(c)

	identity := c.Identity()
	var snapshot []string
	if d.registry.Reachable(identity) {
		snapshot = d.online.Snapshot()
	} else {
		snapshot = d.online.MarkOffline(identity)
	}

	var recipients []presence.Conn
	if d.scope == DisconnectMembers {
		recipients = d.registry.Resolve(c.joinedMembers())
	} else {
		recipients = d.registry.All()
	}
	d.broadcastOnline(recipients, snapshot)
}

func (d *Dispatcher) checkClaimedIdentity(c *Client, p events.PresencePayload) {
	if p.UserID != "" && p.UserID != c.Identity() {
		d.logger.Warn("ignoring claimed identity that differs from the connection's",
			zap.String("conn", c.ID()),
			zap.String("claimed", p.UserID))
	}
}

func (d *Dispatcher) broadcastOnline(recipients []presence.Conn, snapshot []string) {
	if snapshot == nil {
		snapshot = []string{}
	}
	frame, err := events.Encode(events.OnlineUsers, snapshot)
	if err != nil {
		d.logger.Error("encode online-users", zap.Error(err))
		return
	}
	for _, conn := range recipients {
		conn.Deliver(frame)
	}
}
