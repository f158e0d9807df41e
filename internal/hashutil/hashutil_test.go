package hashutil_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pubrecords/acquire/internal/hashutil"
)

func TestSumIsDeterministic(t *testing.T) {
	t.Parallel()

	data := []byte("public record body")
	d1 := hashutil.Sum(data)
	d2 := hashutil.Sum(data)

	assert.Equal(t, d1, d2)
	assert.Len(t, d1.Primary, 64)
	assert.Len(t, d1.Secondary, 64)
}

func TestSumDiffersOnDifferentInput(t *testing.T) {
	t.Parallel()

	d1 := hashutil.Sum([]byte("alpha"))
	d2 := hashutil.Sum([]byte("beta"))

	assert.NotEqual(t, d1.Primary, d2.Primary)
	assert.NotEqual(t, d1.Secondary, d2.Secondary)
}

func TestHasherHash(t *testing.T) {
	t.Parallel()

	h := hashutil.New()
	sum, err := h.Hash([]byte("alpha"))
	require.NoError(t, err)
	assert.Equal(t, hashutil.Sum([]byte("alpha")).Primary, sum)
}
