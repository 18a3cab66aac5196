package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	id := New("mem")
	assert.True(t, Valid(id, "mem"))
	assert.Len(t, id, len("mem_")+12)
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New("ws")
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestValid(t *testing.T) {
	assert.False(t, Valid("mem_abc", "ws"))
	assert.False(t, Valid("mem", "mem"))
	assert.True(t, Valid("mem_deadbeef", "mem"))
}
