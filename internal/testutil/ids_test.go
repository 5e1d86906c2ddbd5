package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequentialIDs(t *testing.T) {
	ids := NewSequentialIDs("run")
	assert.Equal(t, "run-1", ids.Next())
	assert.Equal(t, "run-2", ids.Next())

	assert.Equal(t, "id-1", NewSequentialIDs("").Next())
}
