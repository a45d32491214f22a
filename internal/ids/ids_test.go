package ids

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpIDIsMonotonic(t *testing.T) {
	prev := NewOpID()
	for i := 0; i < 100; i++ {
		next := NewOpID()
		assert.Len(t, next, 26)
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestNewAgreementID(t *testing.T) {
	id := NewAgreementID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, NewAgreementID())
}
