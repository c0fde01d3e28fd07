package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusIdle, StatusWorking, true},
		{StatusWorking, StatusIdle, true},
		{StatusWorking, StatusWaiting, true},
		{StatusWorking, StatusError, true},
		{StatusWorking, StatusCompleted, true},
		{StatusWaiting, StatusWorking, true},
		{StatusError, StatusWorking, true},
		{StatusIdle, StatusWaiting, false},
		{StatusIdle, StatusError, false},
		{StatusCompleted, StatusIdle, false},
		{StatusPaused, StatusWorking, false},
		{StatusPaused, StatusIdle, true},

		{StatusIdle, StatusPaused, true},
		{StatusWorking, StatusPaused, true},
		{StatusError, StatusPaused, true},
		{StatusPaused, StatusPaused, false},
		{StatusCompleted, StatusPaused, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCheckTransition_WrapsSentinel(t *testing.T) {
	err := checkTransition(StatusCompleted, StatusWorking)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "completed -> working")
	assert.NoError(t, checkTransition(StatusIdle, StatusWorking))
}
