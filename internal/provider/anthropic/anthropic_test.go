// ABOUTME: Tests for converting conversation turns into Anthropic request params
// ABOUTME: Consecutive turns from the same role are merged into one message

package anthropic

import (
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-swarm/internal/provider"
)

func TestBuildMessages_MergesSameRole(t *testing.T) {
	msgs := buildMessages([]provider.Message{
		{Role: provider.RoleUser, Content: "summary of earlier work"},
		{Role: provider.RoleUser, Content: "next question"},
		{Role: provider.RoleAssistant, Content: "answer"},
		{Role: provider.RoleUser, Content: ""},
	})

	require.Len(t, msgs, 2)
	assert.Equal(t, sdk.MessageParamRoleUser, msgs[0].Role)
	assert.Len(t, msgs[0].Content, 2)
	assert.Equal(t, sdk.MessageParamRoleAssistant, msgs[1].Role)
}

func TestNew_Defaults(t *testing.T) {
	p := New(Config{APIKey: "test"})
	assert.Equal(t, DefaultModel, p.model)
	assert.Equal(t, int64(8192), p.maxTokens)
}
