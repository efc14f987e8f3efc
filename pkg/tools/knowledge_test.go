package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnowledgeEchoesAnswer(t *testing.T) {
	k := NewKnowledge()

	result := k.Execute(context.Background(),
		json.RawMessage(`{"answer":"TCP handshakes take three segments."}`))

	require.False(t, result.Failed(), result.Err)
	assert.Equal(t, "TCP handshakes take three segments.", result.Content)
	assert.Empty(t, result.Sources)
}

func TestKnowledgeRequiresAnswer(t *testing.T) {
	k := NewKnowledge()

	result := k.Execute(context.Background(), json.RawMessage(`{}`))
	require.True(t, result.Failed())
	assert.Equal(t, "answer is required", result.Err)

	result = k.Execute(context.Background(), json.RawMessage(`{"answer":"  "}`))
	assert.True(t, result.Failed())
}

func TestKnowledgeMalformedParams(t *testing.T) {
	k := NewKnowledge()

	result := k.Execute(context.Background(), json.RawMessage(`{"answer":`))
	require.True(t, result.Failed())
	assert.Contains(t, result.Err, "invalid knowledge params")
}
