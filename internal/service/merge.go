package service

import (
	"sort"

	"github.com/gammazero/deque"

	"github.com/estatehub/marketplace-sync/internal/model"
)

// recentLimit bounds how many pushed ids are remembered per conversation.
const recentLimit = 256

// recentIDs remembers the most recent pushed message ids of one
// conversation, oldest evicted first.
type recentIDs struct {
	ids   map[string]struct{}
	order deque.Deque[string]
}

func newRecentIDs() *recentIDs {
	return &recentIDs{ids: make(map[string]struct{})}
}

// add records id and reports whether it was new.
func (r *recentIDs) add(id string) bool {
	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	r.order.PushBack(id)
	for r.order.Len() > recentLimit {
		delete(r.ids, r.order.PopFront())
	}
	return true
}

// insertMessage places m by CreatedAt, after any messages with the same
// timestamp. It reports false and leaves msgs untouched when the id is
// already present.
func insertMessage(msgs []model.Message, m model.Message) ([]model.Message, bool) {
	if indexMessage(msgs, m.ID) >= 0 {
		return msgs, false
	}
	i := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].CreatedAt.After(m.CreatedAt)
	})
	msgs = append(msgs, model.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs, true
}

func indexMessage(msgs []model.Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func removeMessage(msgs []model.Message, id string) []model.Message {
	if i := indexMessage(msgs, id); i >= 0 {
		return append(msgs[:i], msgs[i+1:]...)
	}
	return msgs
}

// normalizeMessages sorts a server snapshot ascending and drops repeated ids.
func normalizeMessages(in []model.Message) []model.Message {
	out := make([]model.Message, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, m := range in {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// sortConversations orders by most recent activity first, keeping the
// relative order of ties.
func sortConversations(convs []model.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastActivity().After(convs[j].LastActivity())
	})
}

func indexConversation(convs []model.Conversation, id string) int {
	for i := range convs {
		if convs[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneConversations(convs []model.Conversation) []model.Conversation {
	out := make([]model.Conversation, len(convs))
	for i := range convs {
		out[i] = convs[i].Clone()
	}
	return out
}

func cloneMessages(msgs []model.Message) []model.Message {
	if msgs == nil {
		return nil
	}
	return append([]model.Message(nil), msgs...)
}

func cloneNotifications(list []model.Notification) []model.Notification {
	out := make([]model.Notification, len(list))
	for i := range list {
		out[i] = list[i].Clone()
	}
	return out
}

func indexNotification(list []model.Notification, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func countUnread(list []model.Notification) int {
	n := 0
	for i := range list {
		if !list[i].Read {
			n++
		}
	}
	return n
}
