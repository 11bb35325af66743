package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "rendler-results", map[string]string{"url": "https://a"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "rendler-events", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "rendler-results", msgs[0].Topic)
	require.Equal(t, "rendler-events", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "rendler-results", pub.Messages()[0].Topic)
	require.Len(t, pub.ByTopic("rendler-events"), 1)
}
