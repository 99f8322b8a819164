package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/strangerchat/relay-server-go/internal/model"
)

func msgAt(id string, seq int64, at time.Time) *model.Message {
	return &model.Message{ID: id, Seq: seq, CreatedAt: at}
}

func ids(msgs []*model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestTimeline(t *testing.T) {
	base := time.Now()

	t.Run("appends in-order messages", func(t *testing.T) {
		var tl timeline
		assert.True(t, tl.add(msgAt("a", 1, base)))
		assert.True(t, tl.add(msgAt("b", 2, base.Add(time.Millisecond))))
		assert.Equal(t, []string{"a", "b"}, ids(tl.snapshot()))
	})

	t.Run("inserts late messages at their position", func(t *testing.T) {
		var tl timeline
		tl.add(msgAt("a", 1, base))
		tl.add(msgAt("c", 3, base.Add(2*time.Millisecond)))
		tl.add(msgAt("b", 2, base.Add(time.Millisecond)))
		assert.Equal(t, []string{"a", "b", "c"}, ids(tl.snapshot()))
	})

	t.Run("breaks timestamp ties by sequence", func(t *testing.T) {
		var tl timeline
		tl.add(msgAt("second", 2, base))
		tl.add(msgAt("first", 1, base))
		assert.Equal(t, []string{"first", "second"}, ids(tl.snapshot()))
	})

	t.Run("drops duplicates", func(t *testing.T) {
		var tl timeline
		added := tl.merge([]*model.Message{msgAt("a", 1, base), msgAt("b", 2, base)})
		assert.Equal(t, 2, added)

		added = tl.merge([]*model.Message{msgAt("b", 2, base), msgAt("c", 3, base)})
		assert.Equal(t, 1, added)
		assert.Equal(t, 3, tl.len())
		assert.False(t, tl.add(nil))
	})

	t.Run("reset clears ids too", func(t *testing.T) {
		var tl timeline
		tl.add(msgAt("a", 1, base))
		tl.reset()
		assert.Equal(t, 0, tl.len())
		assert.True(t, tl.add(msgAt("a", 1, base)))
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		var tl timeline
		tl.add(&model.Message{ID: "a", Content: "hi", CreatedAt: base})
		snap := tl.snapshot()
		snap[0].Content = "changed"
		assert.Equal(t, "hi", tl.snapshot()[0].Content)
	})
}
