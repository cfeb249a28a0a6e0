package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisher_RecordsMessages(t *testing.T) {
	t.Parallel()

	p := New()
	id, err := p.Publish(context.Background(), "inference-runs", map[string]string{"run_id": "r1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	msgs := p.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "inference-runs", msgs[0].Topic)
}

func TestPublisher_MessagesCopies(t *testing.T) {
	t.Parallel()

	p := New()
	_, err := p.Publish(context.Background(), "t", "payload")
	require.NoError(t, err)

	first := p.Messages()
	first[0].Topic = "mutated"
	require.Equal(t, "t", p.Messages()[0].Topic)
}
