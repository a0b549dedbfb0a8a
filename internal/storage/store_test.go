package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, JobBackoff(0))
	assert.Equal(t, 4*time.Second, JobBackoff(1))
	assert.Equal(t, 256*time.Second, JobBackoff(7))
	assert.Equal(t, MaxJobBackoff, JobBackoff(8))
	assert.Equal(t, MaxJobBackoff, JobBackoff(50))
	assert.Equal(t, 2*time.Second, JobBackoff(-3))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultEventLimit, ClampLimit(0, DefaultEventLimit))
	assert.Equal(t, DefaultMessageLimit, ClampLimit(-5, DefaultMessageLimit))
	assert.Equal(t, 7, ClampLimit(7, DefaultEventLimit))
	assert.Equal(t, MaxListLimit, ClampLimit(MaxListLimit+1, DefaultEventLimit))
}
