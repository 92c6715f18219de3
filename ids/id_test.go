package ids_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/durableflow/ids"
)

func TestNewIsMonotonicWithinBursts(t *testing.T) {
	prev := ids.New()
	for i := 0; i < 1000; i++ {
		next := ids.New()
		assert.LessOrEqual(t, ids.Compare(prev, next), 0, "ids generated in a tight loop must be non-decreasing")
		prev = next
	}
}

func TestParseRoundTrip(t *testing.T) {
	id := ids.New()
	parsed, err := ids.Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseInvalid(t *testing.T) {
	_, err := ids.Parse("not-a-uuid")
	assert.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		ID ids.ID `json:"id"`
	}
	id := ids.New()
	b, err := json.Marshal(wrapper{ID: id})
	require.NoError(t, err)

	var out wrapper
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, id, out.ID)
}

func TestNilIsZeroValue(t *testing.T) {
	var id ids.ID
	assert.True(t, id.IsNil())
	assert.False(t, ids.New().IsNil())
}

func TestCompareOrdersByTime(t *testing.T) {
	a := ids.New()
	time.Sleep(2 * time.Millisecond)
	b := ids.New()
	assert.Equal(t, -1, ids.Compare(a, b))
	assert.Equal(t, 1, ids.Compare(b, a))
	assert.Equal(t, 0, ids.Compare(a, a))
}
