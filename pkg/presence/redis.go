// Package presence keeps ephemeral chat state in Redis: presence, typing
// indicators, unread counters and a short recent-message cache per room.
// Everything here may be lost; the durable store remains the record.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mahaj/schoolchat/pkg/model"
)

// ErrUnavailable wraps every Redis failure.
var ErrUnavailable = errors.New("ephemeral store unavailable")

// ErrCacheCorrupt reports an undecodable recent-cache entry. The room's
// cache has been dropped by the time it is returned.
var ErrCacheCorrupt = errors.New("recent cache entry unreadable")

type Options struct {
	TypingTTL         time.Duration
	OnlineLease       time.Duration
	LastSeenRetention time.Duration
	RecentSize        int
	RecentTTL         time.Duration
}

func DefaultOptions() Options {
	return Options{
		TypingTTL:         30 * time.Second,
		OnlineLease:       2 * time.Minute,
		LastSeenRetention: 30 * 24 * time.Hour,
		RecentSize:        100,
		RecentTTL:         time.Hour,
	}
}

type Redis struct {
	client *redis.Client
	opts   Options
	now    func() time.Time
}

func NewRedis(client *redis.Client, opts Options) *Redis {
	return &Redis{client: client, opts: opts, now: time.Now}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, opts Options) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, unavailable(err)
	}
	return NewRedis(client, opts), nil
}

func (s *Redis) Ping(ctx context.Context) error {
	return unavailable(s.client.Ping(ctx).Err())
}

func (s *Redis) Close() error {
	return s.client.Close()
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

var setOfflineScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n <= 0 then redis.call('DEL', KEYS[1]) end
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
return n
`)

// SetOnline registers one live connection for the principal. The
// connection count is a lease that expires unless refreshed by Touch.
func (s *Redis) SetOnline(ctx context.Context, principalID string) error {
	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, connsKey(principalID))
	pipe.Expire(ctx, connsKey(principalID), s.opts.OnlineLease)
	_, err := pipe.Exec(ctx)
	return unavailable(err)
}

// Touch extends the principal's online lease and current-room pointer.
func (s *Redis) Touch(ctx context.Context, principalID string) error {
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, connsKey(principalID), s.opts.OnlineLease)
	pipe.Expire(ctx, currentRoomKey(principalID), s.opts.OnlineLease)
	_, err := pipe.Exec(ctx)
	return unavailable(err)
}

// SetOffline releases one connection and records last-seen. The principal
// stays online while other connections remain.
func (s *Redis) SetOffline(ctx context.Context, principalID string) error {
	now := strconv.FormatInt(s.now().UnixMilli(), 10)
	retention := strconv.FormatInt(s.opts.LastSeenRetention.Milliseconds(), 10)
	err := setOfflineScript.Run(ctx, s.client,
		[]string{connsKey(principalID), lastSeenKey(principalID)}, now, retention).Err()
	return unavailable(err)
}

func (s *Redis) IsOnline(ctx context.Context, principalID string) (bool, error) {
	n, err := s.client.Get(ctx, connsKey(principalID)).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

// OnlineAmong reports which of the principals are online.
func (s *Redis) OnlineAmong(ctx context.Context, principalIDs []string) (map[string]bool, error) {
	if len(principalIDs) == 0 {
		return map[string]bool{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(principalIDs))
	for i, p := range principalIDs {
		cmds[i] = pipe.Get(ctx, connsKey(p))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable(err)
	}
	out := make(map[string]bool, len(principalIDs))
	for i, p := range principalIDs {
		n, err := cmds[i].Int64()
		out[p] = err == nil && n > 0
	}
	return out, nil
}

// LastSeen returns when the principal last disconnected, if retained.
func (s *Redis) LastSeen(ctx context.Context, principalID string) (time.Time, bool, error) {
	ms, err := s.client.Get(ctx, lastSeenKey(principalID)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, unavailable(err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

var clearCurrentRoomScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func (s *Redis) SetCurrentRoom(ctx context.Context, principalID, roomID string) error {
	return unavailable(s.client.Set(ctx, currentRoomKey(principalID), roomID, s.opts.OnlineLease).Err())
}

// ClearCurrentRoom removes the pointer only if it still names roomID, so
// a leave on one connection does not erase a newer join on another.
func (s *Redis) ClearCurrentRoom(ctx context.Context, principalID, roomID string) error {
	return unavailable(clearCurrentRoomScript.Run(ctx, s.client, []string{currentRoomKey(principalID)}, roomID).Err())
}

func (s *Redis) CurrentRoom(ctx context.Context, principalID string) (string, error) {
	room, err := s.client.Get(ctx, currentRoomKey(principalID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return room, unavailable(err)
}

var incrUnreadScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
end
return -1
`)

var seedUnreadScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// IncrementUnread bumps the counter for one room. When the principal's
// counters are not seeded the increment is skipped: the next read
// reseeds from the durable store, which already includes this message.
func (s *Redis) IncrementUnread(ctx context.Context, principalID, roomID string) error {
	return unavailable(incrUnreadScript.Run(ctx, s.client, []string{unreadKey(principalID)}, roomID).Err())
}

func (s *Redis) ClearUnread(ctx context.Context, principalID, roomID string) error {
	return unavailable(s.client.HDel(ctx, unreadKey(principalID), roomID).Err())
}

// GetUnread returns the cached counter; seeded is false when the
// principal's counters are missing altogether.
func (s *Redis) GetUnread(ctx context.Context, principalID, roomID string) (n int64, seeded bool, err error) {
	pipe := s.client.Pipeline()
	exists := pipe.Exists(ctx, unreadKey(principalID))
	val := pipe.HGet(ctx, unreadKey(principalID), roomID)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, false, unavailable(err)
	}
	if exists.Val() == 0 {
		return 0, false, nil
	}
	n, err = val.Int64()
	if err != nil {
		return 0, true, nil
	}
	return n, true, nil
}

// UnreadCounts returns every per-room counter for the principal.
func (s *Redis) UnreadCounts(ctx context.Context, principalID string) (counts map[string]int64, seeded bool, err error) {
	raw, err := s.client.HGetAll(ctx, unreadKey(principalID)).Result()
	if err != nil {
		return nil, false, unavailable(err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	counts = make(map[string]int64, len(raw))
	for room, v := range raw {
		if room == seededField {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		counts[room] = n
	}
	return counts, true, nil
}

// SeedUnread installs counters computed from the durable store unless
// another caller seeded first.
func (s *Redis) SeedUnread(ctx context.Context, principalID string, counts map[string]int64) error {
	args := make([]interface{}, 0, 2+2*len(counts))
	args = append(args, seededField, 1)
	for room, n := range counts {
		args = append(args, room, n)
	}
	return unavailable(seedUnreadScript.Run(ctx, s.client, []string{unreadKey(principalID)}, args...).Err())
}

// PushRecentMessage prepends msg to the room's cache, trims it to the
// configured size and refreshes its TTL in one transaction.
func (s *Redis) PushRecentMessage(ctx context.Context, roomID string, msg model.Message) error {
	msg.Room = nil
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := recentKey(roomID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(s.opts.RecentSize)-1)
	pipe.Expire(ctx, key, s.opts.RecentTTL)
	_, err = pipe.Exec(ctx)
	return unavailable(err)
}

// RecentMessages returns up to n cached messages, newest first. A
// cache holding an unreadable entry is dropped whole.
func (s *Redis) RecentMessages(ctx context.Context, roomID string, n int) ([]model.Message, error) {
	raw, err := s.client.LRange(ctx, recentKey(roomID), 0, int64(n)-1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	msgs := make([]model.Message, 0, len(raw))
	for _, data := range raw {
		var m model.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			if delErr := s.InvalidateRecent(ctx, roomID); delErr != nil {
				return nil, delErr
			}
			return nil, fmt.Errorf("%w: room %s: %w", ErrCacheCorrupt, roomID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// RemoveRecentMessage evicts every cached copy of message id.
func (s *Redis) RemoveRecentMessage(ctx context.Context, roomID string, id int64) error {
	key := recentKey(roomID)
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return unavailable(err)
	}
	for _, data := range raw {
		var m model.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil || m.ID != id {
			continue
		}
		if err := s.client.LRem(ctx, key, 0, data).Err(); err != nil {
			return unavailable(err)
		}
	}
	return nil
}

func (s *Redis) InvalidateRecent(ctx context.Context, roomID string) error {
	return unavailable(s.client.Del(ctx, recentKey(roomID)).Err())
}

// SetTyping marks the principal as typing; the mark lapses after the
// typing TTL unless set again.
func (s *Redis) SetTyping(ctx context.Context, roomID, principalID string) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, typingKey(roomID, principalID), 1, s.opts.TypingTTL)
	pipe.SAdd(ctx, typingIndexKey(roomID), principalID)
	pipe.Expire(ctx, typingIndexKey(roomID), 2*s.opts.TypingTTL)
	_, err := pipe.Exec(ctx)
	return unavailable(err)
}

func (s *Redis) ClearTyping(ctx context.Context, roomID, principalID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, typingKey(roomID, principalID))
	pipe.SRem(ctx, typingIndexKey(roomID), principalID)
	_, err := pipe.Exec(ctx)
	return unavailable(err)
}

// TypingUsers returns the principals whose typing mark has not lapsed,
// sorted, and prunes lapsed ones from the index.
func (s *Redis) TypingUsers(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, typingIndexKey(roomID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(members) == 0 {
		return []string{}, nil
	}

	pipe := s.client.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	for i, p := range members {
		checks[i] = pipe.Exists(ctx, typingKey(roomID, p))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable(err)
	}

	live := make([]string, 0, len(members))
	var stale []interface{}
	for i, p := range members {
		if checks[i].Val() == 1 {
			live = append(live, p)
		} else {
			stale = append(stale, p)
		}
	}
	if len(stale) > 0 {
		// Best effort; a failed prune is retried on the next read.
		_ = s.client.SRem(ctx, typingIndexKey(roomID), stale...).Err()
	}
	sort.Strings(live)
	return live, nil
}
