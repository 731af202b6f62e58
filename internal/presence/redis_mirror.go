package presence

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const presenceKeyPrefix = "gochat:presence:"

// releaseScript deletes a presence key only while this node still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func presenceKey(identity string) string { return presenceKeyPrefix + identity }

type reachability struct {
	identity  string
	reachable bool
}

// RedisMirror publishes local reachability to Redis so other nodes can tell
// which node holds a user's connections. It is a Registry Observer: updates
// are queued and applied by Run, keeping Redis I/O off the registry path.
type RedisMirror struct {
	client  *redis.Client
	nodeID  string
	ttl     time.Duration
	updates chan reachability
	logger  *zap.Logger

	mu   sync.Mutex
	live map[string]struct{}
}

// NewRedisMirror returns a mirror writing keys owned by nodeID. Keys expire
// after ttl unless refreshed, so a crashed node's users age out.
func NewRedisMirror(client *redis.Client, nodeID string, ttl time.Duration, logger *zap.Logger) *RedisMirror {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{
		client:  client,
		nodeID:  nodeID,
		ttl:     ttl,
		updates: make(chan reachability, 1024),
		logger:  logger,
		live:    make(map[string]struct{}),
	}
}

// Reachable implements Observer.
func (m *RedisMirror) Reachable(identity string) { m.enqueue(identity, true) }

// Unreachable implements Observer.
func (m *RedisMirror) Unreachable(identity string) { m.enqueue(identity, false) }

func (m *RedisMirror) enqueue(identity string, reachable bool) {
	select {
	case m.updates <- reachability{identity: identity, reachable: reachable}:
	default:
		m.logger.Warn("presence mirror queue full; update dropped",
			zap.String("identity", identity),
			zap.Bool("reachable", reachable))
	}
}

// Run applies queued updates and refreshes TTLs until ctx is cancelled,
// then releases every key this node still owns.
func (m *RedisMirror) Run(ctx context.Context) {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.releaseAll()
			return
		case u := <-m.updates:
			if err := m.apply(ctx, u); err != nil {
				m.logger.Warn("presence mirror update failed",
					zap.String("identity", u.identity),
					zap.Error(err))
			}
		case <-ticker.C:
			if err := m.refresh(ctx); err != nil {
				m.logger.Warn("presence mirror refresh failed", zap.Error(err))
			}
		}
	}
}

// Lookup reports the node currently holding identity's connections.
func (m *RedisMirror) Lookup(ctx context.Context, identity string) (nodeID string, online bool, err error) {
	val, err := m.client.Get(ctx, presenceKey(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "presence lookup")
	}
	return val, true, nil
}

func (m *RedisMirror) apply(ctx context.Context, u reachability) error {
	m.mu.Lock()
	if u.reachable {
		m.live[u.identity] = struct{}{}
	} else {
		delete(m.live, u.identity)
	}
	m.mu.Unlock()

	if u.reachable {
		return errors.Wrap(m.client.Set(ctx, presenceKey(u.identity), m.nodeID, m.ttl).Err(), "presence set")
	}
	return errors.Wrap(releaseScript.Run(ctx, m.client, []string{presenceKey(u.identity)}, m.nodeID).Err(), "presence release")
}

func (m *RedisMirror) refresh(ctx context.Context) error {
	m.mu.Lock()
	identities := make([]string, 0, len(m.live))
	for identity := range m.live {
		identities = append(identities, identity)
	}
	m.mu.Unlock()

	if len(identities) == 0 {
		return nil
	}
	pipe := m.client.Pipeline()
	for _, identity := range identities {
		pipe.Set(ctx, presenceKey(identity), m.nodeID, m.ttl)
	}
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "presence refresh")
}

func (m *RedisMirror) releaseAll() {
	m.mu.Lock()
	identities := make([]string, 0, len(m.live))
	for identity := range m.live {
		identities = append(identities, identity)
	}
	m.live = make(map[string]struct{})
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, identity := range identities {
		if err := releaseScript.Run(ctx, m.client, []string{presenceKey(identity)}, m.nodeID).Err(); err != nil {
			m.logger.Warn("presence release failed", zap.String("identity", identity), zap.Error(err))
		}
	}
}
