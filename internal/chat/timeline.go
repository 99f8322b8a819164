package chat

import (
	"sort"

	"github.com/strangerchat/relay-server-go/internal/model"
)

// timeline is an ordered, duplicate-free message list.
type timeline struct {
	msgs []*model.Message
	ids  map[string]struct{}
}

// add inserts msg at its (created_at, seq) position unless its id is known.
func (t *timeline) add(msg *model.Message) bool {
	if msg == nil {
		return false
	}
	if t.ids == nil {
		t.ids = make(map[string]struct{})
	}
	if _, ok := t.ids[msg.ID]; ok {
		return false
	}
	t.ids[msg.ID] = struct{}{}

	n := len(t.msgs)
	if n == 0 || !msg.Before(t.msgs[n-1]) {
		t.msgs = append(t.msgs, msg)
		return true
	}

	i := sort.Search(n, func(i int) bool { return msg.Before(t.msgs[i]) })
	t.msgs = append(t.msgs, nil)
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = msg
	return true
}

func (t *timeline) merge(msgs []*model.Message) int {
	added := 0
	for _, m := range msgs {
		if t.add(m) {
			added++
		}
	}
	return added
}

func (t *timeline) reset() {
	t.msgs = nil
	t.ids = nil
}

func (t *timeline) len() int {
	return len(t.msgs)
}

func (t *timeline) snapshot() []*model.Message {
	out := make([]*model.Message, len(t.msgs))
	for i, m := range t.msgs {
		c := *m
		out[i] = &c
	}
	return out
}
