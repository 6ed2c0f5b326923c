// Package memory はrepositoryインターフェースのインメモリ実装を提供する。
// SQL実装と同じ並び順・条件付き更新の意味論を持ち、テストで使用する。
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/chatrelay/internal/model"
	"github.com/hitoshi/chatrelay/internal/repository"
)

type member struct {
	userID   string
	joinedAt time.Time
	seq      int
}

// Store は全リポジトリが共有するインメモリのデータストア。
type Store struct {
	mu         sync.Mutex
	channels   map[string]*model.Channel
	members    map[string][]member
	messages   []*model.Message
	activities []*model.ActivityEvent
	users      map[string]string
	seq        int
}

// NewStore は空のStoreを生成する。
func NewStore() *Store {
	return &Store{
		channels: make(map[string]*model.Channel),
		members:  make(map[string][]member),
		users:    make(map[string]string),
	}
}

// PutChannel はチャンネルを登録する。チャンネル作成は外部サービスの責務のため、テストの準備用。
func (s *Store) PutChannel(ch *model.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *ch
	c.MemberIDs = nil
	s.channels[ch.ID] = &c
	for _, id := range ch.MemberIDs {
		s.addMemberLocked(ch.ID, id)
	}
}

// PutUser は表示名解決用のユーザーを登録する。
func (s *Store) PutUser(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = name
}

// Messages はチャンネルの全メッセージを作成順で返す。
func (s *Store) Messages(channelID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Message
	for _, m := range s.messages {
		if m.ChannelID == channelID {
			out = append(out, *m)
		}
	}
	return out
}

// Activities は記録済みのアクティビティを追記順で返す。
func (s *Store) Activities() []model.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.ActivityEvent, len(s.activities))
	for i, a := range s.activities {
		out[i] = *a
	}
	return out
}

// Channels はChannelRepository実装を返す。
func (s *Store) Channels() *ChannelRepo { return &ChannelRepo{s: s} }

// MessageRepo はMessageRepository実装を返す。
func (s *Store) MessageRepo() *MessageRepo { return &MessageRepo{s: s} }

// ActivityRepo はActivityRepository実装を返す。
func (s *Store) ActivityRepo() *ActivityRepo { return &ActivityRepo{s: s} }

func (s *Store) addMemberLocked(channelID, userID string) bool {
	for _, m := range s.members[channelID] {
		if m.userID == userID {
			return false
		}
	}
	s.seq++
	s.members[channelID] = append(s.members[channelID], member{userID: userID, joinedAt: time.Now(), seq: s.seq})
	return true
}

// ChannelRepo はインメモリのChannelRepository。
type ChannelRepo struct{ s *Store }

var _ repository.ChannelRepository = (*ChannelRepo)(nil)

func (r *ChannelRepo) FindByID(ctx context.Context, id string) (*model.Channel, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ch, ok := r.s.channels[id]
	if !ok {
		return nil, nil
	}
	c := *ch
	if ch.LastMessageAt != nil {
		t := *ch.LastMessageAt
		c.LastMessageAt = &t
	}
	c.MemberIDs = nil
	for _, m := range r.s.members[id] {
		c.MemberIDs = append(c.MemberIDs, m.userID)
	}
	return &c, nil
}

func (r *ChannelRepo) Exists(ctx context.Context, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.s.channels[id]
	return ok, nil
}

func (r *ChannelRepo) AddMember(ctx context.Context, channelID, userID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.addMemberLocked(channelID, userID), nil
}

func (r *ChannelRepo) RemoveMember(ctx context.Context, channelID, userID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	list := r.s.members[channelID]
	for i, m := range list {
		if m.userID == userID {
			r.s.members[channelID] = append(list[:i:i], list[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (r *ChannelRepo) ListChannelIDsByMember(ctx context.Context, userID string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	type entry struct {
		channelID string
		seq       int
	}
	var found []entry
	for channelID, list := range r.s.members {
		for _, m := range list {
			if m.userID == userID {
				found = append(found, entry{channelID: channelID, seq: m.seq})
			}
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })

	ids := make([]string, len(found))
	for i, e := range found {
		ids[i] = e.channelID
	}
	return ids, nil
}

func (r *ChannelRepo) UpdateLastMessageAt(ctx context.Context, channelID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ch, ok := r.s.channels[channelID]
	if !ok {
		return nil
	}
	if ch.LastMessageAt == nil || !ch.LastMessageAt.After(at) {
		t := at
		ch.LastMessageAt = &t
	}
	return nil
}

// MessageRepo はインメモリのMessageRepository。
type MessageRepo struct{ s *Store }

var _ repository.MessageRepository = (*MessageRepo)(nil)

func (r *MessageRepo) Create(ctx context.Context, msg *model.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	m := *msg
	m.SenderName = ""
	r.s.messages = append(r.s.messages, &m)
	return nil
}

func (r *MessageRepo) ListByChannel(ctx context.Context, channelID string, before time.Time, limit int) ([]*model.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var matched []*model.Message
	for _, m := range r.s.messages {
		if m.ChannelID != channelID {
			continue
		}
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		c := *m
		c.SenderName = r.s.users[m.SenderID]
		matched = append(matched, &c)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if limit >= 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// ActivityRepo はインメモリのActivityRepository。
type ActivityRepo struct{ s *Store }

var _ repository.ActivityRepository = (*ActivityRepo)(nil)

func (r *ActivityRepo) Append(ctx context.Context, event *model.ActivityEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e := *event
	r.s.activities = append(r.s.activities, &e)
	return nil
}
