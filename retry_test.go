package diligent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithRetrySucceedsAfterRetryableError(t *testing.T) {
	inner := &scriptedProvider{
		batches: [][]ProviderEvent{
			{errEvent(ErrorKindRateLimit, "slow down")},
			{doneEvent(&AssistantMsg{Content: []ContentBlock{TextBlock("hi")}, StopReason: StopEndTurn})},
		},
	}
	p := WithRetry(inner, RetryBaseDelay(1), RetryMaxDelay(2))

	stream := p.Stream(context.Background(), "model", ProviderContext{}, ProviderOptions{})
	result, err := stream.Result()
	require.NoError(t, err)
	require.Equal(t, StopEndTurn, result.Message.StopReason)
	require.Equal(t, 2, inner.calls)
}

func TestWithRetryGivesUpOnNonRetryableError(t *testing.T) {
	inner := &scriptedProvider{
		batches: [][]ProviderEvent{
			{errEvent(ErrorKindAuth, "bad key")},
		},
	}
	p := WithRetry(inner, RetryBaseDelay(1), RetryMaxDelay(2))

	stream := p.Stream(context.Background(), "model", ProviderContext{}, ProviderOptions{})
	_, err := stream.Result()
	require.Error(t, err)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, ErrorKindAuth, pe.Kind)
	require.Equal(t, 1, inner.calls)
}

func TestWithRetryExhaustsMaxAttempts(t *testing.T) {
	inner := &scriptedProvider{
		batches: [][]ProviderEvent{
			{errEvent(ErrorKindNetwork, "reset")},
		},
	}
	p := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(1), RetryMaxDelay(2))

	stream := p.Stream(context.Background(), "model", ProviderContext{}, ProviderOptions{})
	_, err := stream.Result()
	require.Error(t, err)
	require.Equal(t, 3, inner.calls)
}

func TestRetryDelayRespectsRetryAfter(t *testing.T) {
	delay := retryDelay(100, 10_000, 1, 5_000)
	require.Equal(t, int64(5_000), delay)
}

func TestRetryDelayCapsAtMax(t *testing.T) {
	delay := retryDelay(1_000, 3_000, 10, 0)
	require.LessOrEqual(t, delay, int64(3_000))
}

func TestRetryOnRetryCallback(t *testing.T) {
	inner := &scriptedProvider{
		batches: [][]ProviderEvent{
			{errEvent(ErrorKindOverloaded, "busy")},
			{doneEvent(&AssistantMsg{StopReason: StopEndTurn})},
		},
	}
	var gotAttempt int
	p := WithRetry(inner, RetryBaseDelay(1), RetryMaxDelay(2), RetryOnRetry(func(attempt int, delayMs int64, err error) {
		gotAttempt = attempt
	}))

	stream := p.Stream(context.Background(), "model", ProviderContext{}, ProviderOptions{})
	_, err := stream.Result()
	require.NoError(t, err)
	require.Equal(t, 1, gotAttempt)
}
