package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
)

var _ scrape.IDGenerator = (*Generator)(nil)

func TestNewIDReturnsDistinctV4(t *testing.T) {
	t.Parallel()

	gen := New()
	seen := make(map[string]struct{}, 64)
	for i := 0; i < 64; i++ {
		id, err := gen.NewID()
		require.NoError(t, err)

		parsed, err := goUUID.Parse(id)
		require.NoError(t, err)
		require.Equal(t, goUUID.Version(4), parsed.Version())

		_, dup := seen[id]
		require.False(t, dup, "duplicate attempt id %s", id)
		seen[id] = struct{}{}
	}
}
