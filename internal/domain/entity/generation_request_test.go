package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextStatus(t *testing.T) {
	tests := []struct {
		name    string
		from    RequestStatus
		trigger Trigger
		want    RequestStatus
		ok      bool
	}{
		{"initiate", StatusPending, TriggerInitiate, StatusValidatingCredits, true},
		{"credits reserved", StatusValidatingCredits, TriggerCreditsReserved, StatusPublishingToQueue, true},
		{"credits rejected", StatusValidatingCredits, TriggerCreditsRejected, StatusFailed, true},
		{"publish accepted", StatusPublishingToQueue, TriggerPublishAccepted, StatusProcessingSamples, true},
		{"publish failed", StatusPublishingToQueue, TriggerPublishFailed, StatusFailed, true},
		{"samples ready", StatusProcessingSamples, TriggerSamplesReady, StatusAwaitingSelection, true},
		{"sample stage system error", StatusProcessingSamples, TriggerSystemError, StatusFailed, true},
		{"content rejected", StatusProcessingSamples, TriggerContentRejected, StatusContentRejected, true},
		{"sample selected", StatusAwaitingSelection, TriggerSampleSelected, StatusProcessingFinal, true},
		{"regenerate", StatusAwaitingSelection, TriggerRegenerate, StatusProcessingSamples, true},
		{"final ready", StatusProcessingFinal, TriggerFinalReady, StatusCompleted, true},
		{"final stage system error", StatusProcessingFinal, TriggerSystemError, StatusFailed, true},

		// 表外组合一律无效
		{"samples before publish", StatusPublishingToQueue, TriggerSamplesReady, "", false},
		{"final before selection", StatusProcessingSamples, TriggerFinalReady, "", false},
		{"content rejection after selection", StatusAwaitingSelection, TriggerContentRejected, "", false},
		{"system error while awaiting selection", StatusAwaitingSelection, TriggerSystemError, "", false},
		{"regenerate from final stage", StatusProcessingFinal, TriggerRegenerate, "", false},
		{"completed is terminal", StatusCompleted, TriggerSystemError, "", false},
		{"failed is terminal", StatusFailed, TriggerInitiate, "", false},
		{"content rejected is terminal", StatusContentRejected, TriggerSamplesReady, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextStatus(tt.from, tt.trigger)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestApplyInvalidTriggerIsNoOp(t *testing.T) {
	req := NewGenerationRequest("u1", "p1", "a misty harbor at dawn", "", nil)
	require.Equal(t, StatusPending, req.Status)

	assert.False(t, req.Apply(TriggerFinalReady))
	assert.Equal(t, StatusPending, req.Status)

	require.True(t, req.Apply(TriggerInitiate))
	assert.Equal(t, StatusValidatingCredits, req.Status)

	// 终态吸收一切触发器
	req.Status = StatusCompleted
	for _, trigger := range []Trigger{
		TriggerInitiate, TriggerSamplesReady, TriggerSystemError, TriggerRegenerate,
	} {
		assert.False(t, req.Apply(trigger), "trigger %s must not leave terminal state", trigger)
		assert.Equal(t, StatusCompleted, req.Status)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusContentRejected.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusAwaitingSelection.IsTerminal())
}

func TestRecordDeduction(t *testing.T) {
	req := NewGenerationRequest("u1", "p1", "prompt", "", nil)

	req.RecordDeduction(StageSample, 2)
	assert.Equal(t, int64(2), req.CreditsCostSample)
	assert.Equal(t, int64(2), req.LastDeductedAmount)
	assert.Equal(t, string(StageSample), req.LastDeductedStage)

	// 采样阶段累加：重新生成是追加扣费
	req.RecordDeduction(StageSample, 2)
	assert.Equal(t, int64(4), req.CreditsCostSample)

	// 最终阶段只写一次
	req.RecordDeduction(StageFinal, 5)
	assert.Equal(t, int64(5), req.CreditsCostFinal)
	req.RecordDeduction(StageFinal, 8)
	assert.Equal(t, int64(5), req.CreditsCostFinal)

	req.ConsumeDeduction()
	assert.Zero(t, req.LastDeductedAmount)
	assert.Empty(t, req.LastDeductedStage)
}

func TestStoreSamplesReplacesPreviousBatch(t *testing.T) {
	req := NewGenerationRequest("u1", "p1", "prompt", "", nil)
	req.RecordDeduction(StageSample, 2)

	first := []AssetInfo{
		{ID: "s1", URL: "https://cdn.example.com/s1.png"},
		{ID: "s2", URL: "https://cdn.example.com/s2.png"},
	}
	req.StoreSamples(first)
	require.Len(t, req.SampleAssetInfos, 2)
	assert.Zero(t, req.LastDeductedAmount, "stored samples consume the pending deduction")

	req.SelectSample("s2")
	require.Equal(t, "s2", req.SelectedSampleID)

	second := []AssetInfo{
		{ID: "s3", URL: "https://cdn.example.com/s3.png"},
	}
	req.StoreSamples(second)
	assert.Len(t, req.SampleAssetInfos, 1)
	assert.Empty(t, req.SelectedSampleID, "old selection must not survive regeneration")

	_, ok := req.FindSample("s2")
	assert.False(t, ok, "superseded samples are no longer selectable")
	got, ok := req.FindSample("s3")
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/s3.png", got.URL)
}

func TestSetFinalAssetWriteOnce(t *testing.T) {
	req := NewGenerationRequest("u1", "p1", "prompt", "", nil)

	req.SetFinalAsset(AssetInfo{ID: "f1", URL: "https://cdn.example.com/f1.png"})
	require.NotNil(t, req.FinalAssetInfo)
	assert.Equal(t, "f1", req.FinalAssetInfo.ID)

	// 重复回调不得覆盖已有成品
	req.SetFinalAsset(AssetInfo{ID: "f2", URL: "https://cdn.example.com/f2.png"})
	assert.Equal(t, "f1", req.FinalAssetInfo.ID)
}

func TestSetFailure(t *testing.T) {
	req := NewGenerationRequest("u1", "p1", "prompt", "", nil)
	req.SetFailure("engine crashed", JSONMap{"code": "oom"}, FailedStageSampleGeneration)

	assert.Equal(t, "engine crashed", req.ErrorMessage)
	assert.Equal(t, FailedStageSampleGeneration, req.FailedStage)
	assert.Equal(t, "oom", req.ErrorDetails["code"])
}
