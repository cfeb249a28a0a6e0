package runid

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func TestGenerator_Format(t *testing.T) {
	t.Parallel()

	gen := New("api_inference", fixedClock{now: time.Unix(1629291609, 0)})
	id, err := gen.NewID()
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^api_inference_1629291609_[0-9a-f]{8}$`), id)
}

func TestGenerator_Unique(t *testing.T) {
	t.Parallel()

	gen := New("api_inference", fixedClock{now: time.Unix(100, 0)})
	seen := make(map[string]struct{})
	for range 100 {
		id, err := gen.NewID()
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}
