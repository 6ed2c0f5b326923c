package realtime

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/chatrelay/internal/metrics"
)

// ErrRegistryClosed はシャットダウン後の登録を表す。
var ErrRegistryClosed = errors.New("registry is closed")

// Registry はプロセス内のライブ接続をチャンネル（ルーム）ごとに管理する。
// サーバー起動時に生成し、シャットダウン時にCloseする。
type Registry struct {
	mu     sync.RWMutex
	conns  map[*Conn]map[string]struct{}
	rooms  map[string]map[*Conn]struct{}
	closed bool

	locks   *keyedMutex
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewRegistry はRegistryを生成する。
func NewRegistry(m metrics.MetricsCollector, logger *slog.Logger) *Registry {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Registry{
		conns:   make(map[*Conn]map[string]struct{}),
		rooms:   make(map[string]map[*Conn]struct{}),
		locks:   newKeyedMutex(),
		metrics: m,
		logger:  logger,
	}
}

// Lock はチャンネル単位の順序付けロックを取得し、解放関数を返す。
// 同一チャンネルに対するjoin/leave/sendはこのロックの下で永続化と配信を行うため、
// 購読者から見たイベント順序は受け付け順と一致する。
func (r *Registry) Lock(channelID string) func() {
	return r.locks.lock(channelID)
}

// Add は接続を登録する。Close後はErrRegistryClosedを返す。
func (r *Registry) Add(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, ok := r.conns[c]; !ok {
		r.conns[c] = make(map[string]struct{})
	}
	return nil
}

// Join は接続をルームに登録する。未登録の接続は無視する。
func (r *Registry) Join(c *Conn, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, ok := r.conns[c]
	if !ok {
		return
	}
	rooms[channelID] = struct{}{}
	if r.rooms[channelID] == nil {
		r.rooms[channelID] = make(map[*Conn]struct{})
	}
	r.rooms[channelID][c] = struct{}{}
}

// Leave は接続をルームから外す。
func (r *Registry) Leave(c *Conn, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(c, channelID)
}

// LeaveIdentity は指定Identityの全接続をルームから外し、外した接続を返す。
func (r *Registry) LeaveIdentity(identityID, channelID string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*Conn
	for c := range r.rooms[channelID] {
		if c.identity.ID == identityID {
			removed = append(removed, c)
		}
	}
	for _, c := range removed {
		r.leaveLocked(c, channelID)
	}
	return removed
}

func (r *Registry) leaveLocked(c *Conn, channelID string) {
	if rooms, ok := r.conns[c]; ok {
		delete(rooms, channelID)
	}
	if subs, ok := r.rooms[channelID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(r.rooms, channelID)
		}
	}
}

// Remove は接続を全ルームから外して登録を解除し、所属していたチャンネルIDを返す。
// 永続メンバーシップには触れない。
func (r *Registry) Remove(c *Conn) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(c)
}

func (r *Registry) removeLocked(c *Conn) []string {
	rooms, ok := r.conns[c]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(rooms))
	for channelID := range rooms {
		ids = append(ids, channelID)
		if subs, ok := r.rooms[channelID]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(r.rooms, channelID)
			}
		}
	}
	delete(r.conns, c)
	return ids
}

// Members はルームに登録されている接続を返す。
func (r *Registry) Members(channelID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.rooms[channelID]))
	for c := range r.rooms[channelID] {
		out = append(out, c)
	}
	return out
}

// InRoom は接続がルームに登録されているかを返す。
func (r *Registry) InRoom(c *Conn, channelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[channelID][c]
	return ok
}

// HasRoom はローカル接続が1つ以上あるルームかを返す。
func (r *Registry) HasRoom(channelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[channelID]) > 0
}

// Len は登録中の接続数を返す。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Deliver はルームの全接続にフレームを積み、積めた数を返す。
// バッファが満杯の接続はその接続だけを閉じて登録解除し、他の購読者への配信は続ける。
func (r *Registry) Deliver(channelID string, frame []byte) int {
	var slow []*Conn
	delivered := 0

	r.mu.RLock()
	for c := range r.rooms[channelID] {
		if c.Enqueue(frame) {
			delivered++
			continue
		}
		slow = append(slow, c)
	}
	r.mu.RUnlock()

	if len(slow) > 0 {
		r.mu.Lock()
		for _, c := range slow {
			r.removeLocked(c)
		}
		r.mu.Unlock()
		for _, c := range slow {
			r.metrics.RecordBroadcastDropped()
			r.logger.Warn("dropping slow subscriber",
				slog.String("connection_id", c.id),
				slog.String("user_id", c.identity.ID),
				slog.String("channel_id", channelID),
			)
			c.Close()
		}
	}

	r.metrics.RecordBroadcastDeliveries(delivered)
	return delivered
}

// Close は全接続を閉じ、以降の登録を拒否する。
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[*Conn]map[string]struct{})
	r.rooms = make(map[string]map[*Conn]struct{})
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// keyedMutex はキーごとの相互排他ロック。使われていないキーのエントリは解放する。
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.entries, key)
			}
			k.mu.Unlock()
		})
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
