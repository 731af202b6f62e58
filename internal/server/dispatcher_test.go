package server

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/gochat/internal/domain"
	"github.com/Tyrowin/gochat/internal/events"
	"github.com/Tyrowin/gochat/internal/presence"
)

// recordingWriter captures submissions and, for each, how many frames every
// watched client had queued at that moment.
type recordingWriter struct {
	mu        sync.Mutex
	submitted []domain.Message
	queuedAt  []map[string]int
	watch     []*Client
	err       error
	panics    bool
}

func (w *recordingWriter) Submit(msg domain.Message) error {
	if w.panics {
		panic("store exploded")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	queued := make(map[string]int, len(w.watch))
	for _, c := range w.watch {
		queued[c.Identity()] = len(c.send)
	}
	w.submitted = append(w.submitted, msg)
	w.queuedAt = append(w.queuedAt, queued)
	return w.err
}

func newTestClient(t *testing.T, id, name string) *Client {
	t.Helper()
	return NewClient(nil, domain.User{ID: id, Name: name}, nil, "test", ClientConfig{}, zaptest.NewLogger(t))
}

func newTestDispatcher(t *testing.T, w Submitter, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	opts = append(opts, WithDispatcherLogger(zaptest.NewLogger(t)))
	return NewDispatcher(presence.NewRegistry(), presence.NewOnlineSet(), w, opts...)
}

// drain returns every frame queued for c, decoded.
func drain(t *testing.T, c *Client) []events.Envelope {
	t.Helper()
	var out []events.Envelope
	for {
		select {
		case frame := <-c.GetSendChan():
			env, err := events.Decode(frame)
			require.NoError(t, err)
			out = append(out, env)
		default:
			return out
		}
	}
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	b, err := events.Encode(event, data)
	require.NoError(t, err)
	return b
}

func eventNames(envs []events.Envelope) []string {
	names := make([]string, 0, len(envs))
	for _, e := range envs {
		names = append(names, e.Event)
	}
	return names
}

func onlineUsers(t *testing.T, env events.Envelope) []string {
	t.Helper()
	require.Equal(t, events.OnlineUsers, env.Event)
	var users []string
	require.NoError(t, json.Unmarshal(env.Data, &users))
	return users
}

// TestSendMessageDeliversBothEventsAndPersistsOnce checks that every
// reachable member connection gets new-message then new-message-alert and
// the store sees exactly one submission, for 0, 1 and many recipients.
func TestSendMessageDeliversBothEventsAndPersistsOnce(t *testing.T) {
	tests := []struct {
		name    string
		members []string
		online  []string
	}{
		{"no reachable members", []string{"ghost1", "ghost2"}, nil},
		{"single member", []string{"u1"}, []string{"u1"}},
		{"many members with an offline one", []string{"u1", "u2", "u3", "offline"}, []string{"u1", "u2", "u3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &recordingWriter{}
			d := newTestDispatcher(t, w)
			sender := newTestClient(t, "sender", "Sam")
			d.Connect(sender)

			recipients := make([]*Client, 0, len(tt.online))
			for _, id := range tt.online {
				c := newTestClient(t, id, id)
				d.Connect(c)
				recipients = append(recipients, c)
			}

			d.Dispatch(sender, frame(t, events.SendMessage, events.SendMessagePayload{
				ChatID:  "c1",
				Members: tt.members,
				Message: "hello",
			}))

			for _, c := range recipients {
				assert.Equal(t, []string{events.NewMessage, events.NewMessageAlert}, eventNames(drain(t, c)))
			}
			assert.Empty(t, drain(t, sender), "sender is not a member here")
			require.Len(t, w.submitted, 1)
			got := w.submitted[0]
			assert.False(t, got.SentAt.IsZero(), "messages are stamped at broadcast")
			got.SentAt = time.Time{}
			assert.Equal(t, domain.Message{ConversationID: "c1", SenderID: "sender", Content: "hello"}, got)
		})
	}
}

func TestSendMessagePayloadShape(t *testing.T) {
	d := newTestDispatcher(t, &recordingWriter{})
	d.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 123e6, time.FixedZone("x", 3600)) }
	d.newID = func() string { return "msg-1" }

	u1 := newTestClient(t, "u1", "Ada")
	u2 := newTestClient(t, "u2", "Bob")
	d.Connect(u1)
	d.Connect(u2)

	d.Dispatch(u2, frame(t, events.SendMessage, events.SendMessagePayload{ChatID: "c1", Members: []string{"u1", "u2"}, Message: "hi"}))

	got := drain(t, u1)
	require.Len(t, got, 2)

	var msg events.NewMessagePayload
	require.NoError(t, json.Unmarshal(got[0].Data, &msg))
	assert.Equal(t, events.NewMessagePayload{
		ChatID: "c1",
		Message: events.ChatMessage{
			ID:        "msg-1",
			Content:   "hi",
			Sender:    events.Sender{ID: "u2", Name: "Bob"},
			Chat:      "c1",
			CreatedAt: "2024-05-06T06:08:09.123Z",
		},
	}, msg)

	var alert map[string]any
	require.NoError(t, json.Unmarshal(got[1].Data, &alert))
	assert.Equal(t, map[string]any{"chatId": "c1"}, alert, "alerts carry no content")

	assert.Len(t, drain(t, u2), 2, "the sender's own connections are members too")
}

// TestSendMessageIgnoresClientSuppliedSender ensures attribution always
// comes from the authenticated connection.
func TestSendMessageIgnoresClientSuppliedSender(t *testing.T) {
	w := &recordingWriter{}
	d := newTestDispatcher(t, w)
	mallory := newTestClient(t, "mallory", "Mallory")
	victim := newTestClient(t, "victim", "Victim")
	d.Connect(mallory)
	d.Connect(victim)

	forged := []byte(`{"event":"send-message","data":{"chatId":"c1","members":["victim"],"message":"pay me","sender":{"_id":"victim","name":"Victim"},"senderId":"victim"}}`)
	d.Dispatch(mallory, forged)

	got := drain(t, victim)
	require.Len(t, got, 2)
	var msg events.NewMessagePayload
	require.NoError(t, json.Unmarshal(got[0].Data, &msg))
	assert.Equal(t, events.Sender{ID: "mallory", Name: "Mallory"}, msg.Message.Sender)

	require.Len(t, w.submitted, 1)
	assert.Equal(t, "mallory", w.submitted[0].SenderID)
}

// TestSendMessageBroadcastsBeforePersisting verifies delivery is queued
// before the persistence submission and survives its failure.
func TestSendMessageBroadcastsBeforePersisting(t *testing.T) {
	u1 := newTestClient(t, "u1", "Ada")
	w := &recordingWriter{err: errors.New("store down"), watch: []*Client{u1}}
	d := newTestDispatcher(t, w)
	sender := newTestClient(t, "u2", "Bob")
	d.Connect(u1)
	d.Connect(sender)

	d.Dispatch(sender, frame(t, events.SendMessage, events.SendMessagePayload{ChatID: "c1", Members: []string{"u1"}, Message: "hi"}))

	require.Len(t, w.queuedAt, 1)
	assert.Equal(t, 2, w.queuedAt[0]["u1"], "both events queued before Submit ran")
	assert.Equal(t, []string{events.NewMessage, events.NewMessageAlert}, eventNames(drain(t, u1)))
}

func TestSendMessageSurvivesPanickingWriter(t *testing.T) {
	d := newTestDispatcher(t, &recordingWriter{panics: true})
	u1 := newTestClient(t, "u1", "Ada")
	d.Connect(u1)

	require.NotPanics(t, func() {
		d.Dispatch(u1, frame(t, events.SendMessage, events.SendMessagePayload{ChatID: "c1", Members: []string{"u1"}, Message: "hi"}))
	})
	assert.Len(t, drain(t, u1), 2)
}

func TestSendMessageRejectsEmptyContent(t *testing.T) {
	w := &recordingWriter{}
	d := newTestDispatcher(t, w)
	u1 := newTestClient(t, "u1", "Ada")
	d.Connect(u1)

	for _, content := range []string{"", "   ", "\n\t"} {
		d.Dispatch(u1, frame(t, events.SendMessage, events.SendMessagePayload{ChatID: "c1", Members: []string{"u1"}, Message: content}))
	}

	assert.Empty(t, drain(t, u1))
	assert.Empty(t, w.submitted)
}

func TestSendMessageWithoutWriter(t *testing.T) {
	d := newTestDispatcher(t, nil)
	u1 := newTestClient(t, "u1", "Ada")
	d.Connect(u1)

	d.Dispatch(u1, frame(t, events.SendMessage, events.SendMessagePayload{ChatID: "c1", Members: []string{"u1"}, Message: "hi"}))
	assert.Len(t, drain(t, u1), 2)
}

// TestTypingSkipsSendingConnection checks typing indicators never echo to
// the connection they came from, while the sender's other tabs get them.
func TestTypingSkipsSendingConnection(t *testing.T) {
	for _, event := range []string{events.StartTyping, events.StopTyping} {
		t.Run(event, func(t *testing.T) {
			w := &recordingWriter{}
			d := newTestDispatcher(t, w)
			typist := newTestClient(t, "u1", "Ada")
			otherTab := newTestClient(t, "u1", "Ada")
			peer := newTestClient(t, "u2", "Bob")
			for _, c := range []*Client{typist, otherTab, peer} {
				d.Connect(c)
			}

			d.Dispatch(typist, frame(t, event, events.TypingPayload{ChatID: "c1", Members: []string{"u1", "u2"}}))

			assert.Empty(t, drain(t, typist))
			for _, c := range []*Client{otherTab, peer} {
				got := drain(t, c)
				require.Len(t, got, 1)
				assert.Equal(t, event, got[0].Event)
				assert.JSONEq(t, `{"chatId":"c1"}`, string(got[0].Data))
			}
			assert.Empty(t, w.submitted, "typing is never persisted")
		})
	}
}

func TestJoinAndLeaveBroadcastToMembers(t *testing.T) {
	d := newTestDispatcher(t, nil)
	u1 := newTestClient(t, "u1", "Ada")
	u2 := newTestClient(t, "u2", "Bob")
	outsider := newTestClient(t, "u3", "Cy")
	for _, c := range []*Client{u1, u2, outsider} {
		d.Connect(c)
	}

	d.Dispatch(u1, frame(t, events.Join, events.PresencePayload{UserID: "u1", Members: []string{"u1", "u2"}}))
	for _, c := range []*Client{u1, u2} {
		got := drain(t, c)
		require.Len(t, got, 1)
		assert.Equal(t, []string{"u1"}, onlineUsers(t, got[0]))
	}
	assert.Empty(t, drain(t, outsider), "join broadcasts stay within the conversation")

	d.Dispatch(u2, frame(t, events.Join, events.PresencePayload{UserID: "u2", Members: []string{"u1", "u2"}}))
	assert.Equal(t, []string{"u1", "u2"}, onlineUsers(t, drain(t, u1)[0]))
	drain(t, u2)

	d.Dispatch(u1, frame(t, events.Leave, events.PresencePayload{UserID: "u1", Members: []string{"u1", "u2"}}))
	assert.Equal(t, []string{"u2"}, onlineUsers(t, drain(t, u2)[0]))
	assert.Equal(t, []string{"u2"}, d.OnlineUsers())
}

// TestJoinUsesConnectionIdentity makes sure a client cannot mark someone
// else online.
func TestJoinUsesConnectionIdentity(t *testing.T) {
	d := newTestDispatcher(t, nil)
	u1 := newTestClient(t, "u1", "Ada")
	d.Connect(u1)

	d.Dispatch(u1, frame(t, events.Join, events.PresencePayload{UserID: "someone-else", Members: []string{"u1"}}))

	assert.Equal(t, []string{"u1"}, d.OnlineUsers())
	assert.Equal(t, []string{"u1"}, onlineUsers(t, drain(t, u1)[0]))
}

// TestDisconnectRemovesIdentityEverywhere covers registry and online-set
// removal and the global broadcast excluding the departed identity.
func TestDisconnectRemovesIdentityEverywhere(t *testing.T) {
	d := newTestDispatcher(t, nil)
	u1 := newTestClient(t, "u1", "Ada")
	u2 := newTestClient(t, "u2", "Bob")
	bystander := newTestClient(t, "u3", "Cy")
	for _, c := range []*Client{u1, u2, bystander} {
		d.Connect(c)
	}
	d.Dispatch(u1, frame(t, events.Join, events.PresencePayload{Members: []string{"u1"}}))
	d.Dispatch(u2, frame(t, events.Join, events.PresencePayload{Members: []string{"u2"}}))
	for _, c := range []*Client{u1, u2, bystander} {
		drain(t, c)
	}

	d.Disconnect(u1)

	assert.Empty(t, d.registry.Resolve([]string{"u1"}))
	assert.False(t, d.registry.Reachable("u1"))
	assert.Equal(t, []string{"u2"}, d.OnlineUsers())

	for _, c := range []*Client{u2, bystander} {
		got := drain(t, c)
		require.Len(t, got, 1, "global broadcast reaches every remaining connection")
		assert.NotContains(t, onlineUsers(t, got[0]), "u1")
	}
	assert.Empty(t, drain(t, u1))
}

func TestDisconnectMemberScope(t *testing.T) {
	d := newTestDispatcher(t, nil, WithDisconnectScope(DisconnectMembers))
	u1 := newTestClient(t, "u1", "Ada")
	u2 := newTestClient(t, "u2", "Bob")
	bystander := newTestClient(t, "u3", "Cy")
	for _, c := range []*Client{u1, u2, bystander} {
		d.Connect(c)
	}
	d.Dispatch(u1, frame(t, events.Join, events.PresencePayload{Members: []string{"u1", "u2"}}))
	for _, c := range []*Client{u1, u2, bystander} {
		drain(t, c)
	}

	d.Disconnect(u1)

	got := drain(t, u2)
	require.Len(t, got, 1)
	assert.Equal(t, []string{}, onlineUsers(t, got[0]))
	assert.Empty(t, drain(t, bystander), "members scope skips unrelated connections")
}

// TestDisconnectKeepsIdentityWithOtherTabs checks that closing one of
// several connections leaves the user reachable and online.
func TestDisconnectKeepsIdentityWithOtherTabs(t *testing.T) {
	d := newTestDispatcher(t, nil)
	tab1 := newTestClient(t, "u1", "Ada")
	tab2 := newTestClient(t, "u1", "Ada")
	d.Connect(tab1)
	d.Connect(tab2)
	d.Dispatch(tab1, frame(t, events.Join, events.PresencePayload{Members: []string{"u1"}}))
	drain(t, tab1)
	drain(t, tab2)

	d.Disconnect(tab1)

	assert.True(t, d.registry.Reachable("u1"))
	assert.Equal(t, []string{"u1"}, d.OnlineUsers())
	assert.Equal(t, []string{"u1"}, onlineUsers(t, drain(t, tab2)[0]))
}

// TestSingleConnectionReplacedHandleTeardown checks that with one
// connection per user, closing a replaced tab neither unroutes the newer
// tab nor takes the user offline.
func TestSingleConnectionReplacedHandleTeardown(t *testing.T) {
	registry := presence.NewRegistry(presence.WithSingleConnection())
	d := NewDispatcher(registry, presence.NewOnlineSet(), nil, WithDispatcherLogger(zaptest.NewLogger(t)))

	oldTab := newTestClient(t, "u1", "Ada")
	newTab := newTestClient(t, "u1", "Ada")
	peer := newTestClient(t, "u2", "Bob")
	d.Connect(oldTab)
	d.Dispatch(oldTab, frame(t, events.Join, events.PresencePayload{Members: []string{"u1"}}))
	d.Connect(newTab)
	d.Connect(peer)
	drain(t, oldTab)

	d.Disconnect(oldTab)

	assert.True(t, d.Reachable("u1"))
	assert.Equal(t, []string{"u1"}, d.OnlineUsers())
	assert.Equal(t, []string{"u1"}, onlineUsers(t, drain(t, newTab)[0]))
	drain(t, peer)

	d.Dispatch(peer, frame(t, events.SendMessage, events.SendMessagePayload{ChatID: "c1", Members: []string{"u1"}, Message: "still there?"}))
	assert.Equal(t, []string{events.NewMessage, events.NewMessageAlert}, eventNames(drain(t, newTab)))
	assert.Empty(t, drain(t, oldTab))
}

func TestDispatchDropsBadFrames(t *testing.T) {
	w := &recordingWriter{}
	d := newTestDispatcher(t, w)
	u1 := newTestClient(t, "u1", "Ada")
	d.Connect(u1)

	for _, raw := range []string{
		`not json`,
		`{"event":"self-destruct","data":{}}`,
		`{"event":"send-message"}`,
		`{"event":"send-message","data":"nope"}`,
		`{"event":"join","data":{"members":"u1"}}`,
	} {
		require.NotPanics(t, func() { d.Dispatch(u1, []byte(raw)) }, raw)
	}

	assert.Empty(t, drain(t, u1))
	assert.Empty(t, w.submitted)
	assert.Empty(t, d.OnlineUsers())
}

// TestSlowConsumerStopsReceiving fills a client's buffer and checks
// further deliveries are refused instead of blocking the dispatcher.
func TestSlowConsumerStopsReceiving(t *testing.T) {
	d := newTestDispatcher(t, nil)
	slow := NewClient(nil, domain.User{ID: "slow"}, nil, "test", ClientConfig{SendBufferSize: 1}, zaptest.NewLogger(t))
	d.Connect(slow)

	assert.True(t, slow.Deliver([]byte("one")))
	assert.False(t, slow.Deliver([]byte("two")))
	assert.True(t, slow.overflowed)

	done := make(chan struct{})
	go func() {
		d.Dispatch(slow, frame(t, events.Join, events.PresencePayload{Members: []string{"slow"}}))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on a full send buffer")
	}
}

func TestClosedClientRefusesDelivery(t *testing.T) {
	c := newTestClient(t, "u1", "Ada")
	assert.Equal(t, StateAdmitted, c.State())

	assert.True(t, c.close())
	assert.False(t, c.close())
	assert.Equal(t, StateClosed, c.State())
	assert.False(t, c.Deliver([]byte("late")))
}
