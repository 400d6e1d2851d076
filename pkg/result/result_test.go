package result

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegacyCodes(t *testing.T) {
	assert.Equal(t, 0, Success.Code())
	assert.Equal(t, 1, Unreachable.Code())
	assert.Equal(t, 2, PortClosed.Code())
	assert.Equal(t, 3, AuthRejected.Code())
	assert.Equal(t, 4, Unknown.Code())
}

func TestNewWithoutPort(t *testing.T) {
	rec := New("10.0.0.2", 0, Unreachable, MsgUnreachable)
	assert.Nil(t, rec.Port)
	assert.Equal(t, 1, rec.Code)
	assert.Equal(t, 0, rec.PortValue())
}

func TestRecordJSON(t *testing.T) {
	rec := Succeeded("10.0.0.1", 22, "Cisco IOS Software")
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "success", decoded["status"])
	assert.EqualValues(t, 22, decoded["port"])
	assert.EqualValues(t, 0, decoded["code"])

	unreachable, err := json.Marshal(New("10.0.0.2", 0, Unreachable, MsgUnreachable))
	require.NoError(t, err)
	assert.Contains(t, string(unreachable), `"port":null`)

	var back Record
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, Success, back.Status)
}

func TestAsCustom(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &CustomError{Code: 7, Message: "vlan missing"})
	rec, ok := AsCustom("sw1", 23, err)
	require.True(t, ok)
	assert.Equal(t, Custom, rec.Status)
	assert.Equal(t, 7, rec.Code)
	assert.Equal(t, "vlan missing", rec.Message)

	_, ok = AsCustom("sw1", 23, fmt.Errorf("plain"))
	assert.False(t, ok)
}

func TestCollectionConcurrentAppend(t *testing.T) {
	c := NewCollection(uuid.New(), 0)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Append(New(fmt.Sprintf("h%03d", i), 22, Success, "ok"))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 200, c.Len())
	seen := make(map[string]bool)
	for _, r := range c.Records() {
		assert.False(t, seen[r.Host], "duplicate %s", r.Host)
		seen[r.Host] = true
	}
	assert.Equal(t, 200, c.Summary()[Success])
	sorted := c.SortedByHost()
	assert.Equal(t, "h000", sorted[0].Host)
}
