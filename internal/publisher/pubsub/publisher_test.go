package pubsub

import (
	"context"
	"sort"
	"testing"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "pdf-events", map[string]int{"gallery_id": 1})
	require.Error(t, err)
}

func TestPublishRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	p := &Publisher{topic: nilTopic{}}
	_, err := p.Publish(context.Background(), "pdf-events", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}

func TestCarrier(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	c.Set("event", "pdf")
	assert.Equal(t, "00-abc", c.Get("traceparent"))
	keys := c.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"event", "traceparent"}, keys)
}

type nilTopic struct{}

func (nilTopic) Publish(context.Context, *gpubsub.Message) *gpubsub.PublishResult { return nil }
