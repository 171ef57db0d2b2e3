package diligent

import "context"

// scriptedProvider replays a fixed sequence of ProviderEvent batches, one
// batch per call to Stream, mirroring the teacher's hand-written-fake
// testing style rather than a mocking framework.
type scriptedProvider struct {
	name    string
	batches [][]ProviderEvent
	calls   int
}

func (p *scriptedProvider) Name() string {
	if p.name == "" {
		return "fake"
	}
	return p.name
}

func (p *scriptedProvider) Stream(ctx context.Context, model string, pctx ProviderContext, opts ProviderOptions) *EventStream[ProviderEvent, ProviderResult] {
	out := NewProviderStream()
	idx := p.calls
	if idx >= len(p.batches) {
		idx = len(p.batches) - 1
	}
	p.calls++
	batch := p.batches[idx]

	go func() {
		for _, e := range batch {
			out.Push(e)
		}
	}()

	return out
}

var _ Provider = (*scriptedProvider)(nil)

func doneEvent(msg *AssistantMsg) ProviderEvent {
	return ProviderEvent{Type: PEDone, Message: msg, Usage: msg.Usage, StopReason: msg.StopReason}
}

func errEvent(kind ErrorKind, msg string) ProviderEvent {
	return ProviderEvent{Type: PEError, Err: &ProviderError{Kind: kind, Message: msg}}
}
