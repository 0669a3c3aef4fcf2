package eventbus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobkit/pkg/jobkit"
	"jobkit/pkg/supervisable"
)

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	got := <-ch
	assert.Equal(t, "a", got.Type)
	assert.False(t, got.Time.IsZero())
	st := b.Stats()
	assert.EqualValues(t, 2, st.Published)
	assert.EqualValues(t, 1, st.Dropped)
	assert.Equal(t, 1, st.Subscribers)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	assert.NotPanics(t, func() { b.Publish(Event{Type: "x"}) })
}

func TestBridgePublishesTopics(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(16)
	defer unsub()
	br := NewBridge(b)

	br.Consume(supervisable.EndEvent{JobName: "j", EndDate: time.Now()})
	br.OnJobWatchdogSpoolReport(jobkit.SpoolReport{ID: "r1"})
	br.OnJobWatchdogSpoolReleaseReport(jobkit.SpoolReport{ID: "r1"})
	br.OnChangeEnabled("poll", "feeds", false)
	br.OnRunError("poll", "feeds", errors.New("down"))
	br.ShutdownSpooler()

	var topics []string
	for i := 0; i < 6; i++ {
		ev := <-ch
		topics = append(topics, ev.Type)
	}
	assert.Equal(t, []string{
		TopicSupervisableEnd, TopicWatchdogReport, TopicWatchdogRelease,
		TopicServiceChange, TopicServiceChange, TopicSpoolerShutdown,
	}, topics)

	br.OnChangeInterval("poll", "feeds", time.Second)
	ev := <-ch
	change, ok := ev.Data.(ServiceChange)
	require.True(t, ok)
	assert.Equal(t, "interval", change.Change)
	assert.Equal(t, time.Second, change.Interval)
}
