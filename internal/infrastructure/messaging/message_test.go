package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessagePayloadRoundTrip(t *testing.T) {
	job := &GenerationJobMessage{
		RequestID: "req-1",
		JobType:   JobTypeSampleGeneration,
		UserID:    "user-1",
		Prompt:    "a misty harbor at dawn",
	}

	msg, err := NewMessage("msg-1", TypeGenerationJob, job.UserID, "project-1", job)
	require.NoError(t, err)

	var decoded GenerationJobMessage
	require.NoError(t, msg.UnmarshalPayload(&decoded))
	assert.Equal(t, job.RequestID, decoded.RequestID)
	assert.Equal(t, job.JobType, decoded.JobType)
	assert.Equal(t, job.Prompt, decoded.Prompt)
}

func TestMessageMetadata(t *testing.T) {
	msg := &Message{}
	assert.Empty(t, msg.GetMetadata("trace_id"))
	msg.SetMetadata("trace_id", "abc123")
	assert.Equal(t, "abc123", msg.GetMetadata("trace_id"))
}

func TestDLQStream(t *testing.T) {
	assert.Equal(t, "dlq:stream:generation:jobs", StreamGenerationJobs.DLQStream())
	assert.Equal(t, "dlq:stream:notify:user", StreamUserNotify.DLQStream())
}

func TestCalculateBackoff(t *testing.T) {
	cfg := BackoffConfig{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, cfg.CalculateBackoff(0))
	assert.Equal(t, 2*time.Second, cfg.CalculateBackoff(1))
	assert.Equal(t, 8*time.Second, cfg.CalculateBackoff(3))
	// 超过上限后封顶
	assert.Equal(t, 10*time.Second, cfg.CalculateBackoff(10))
}
