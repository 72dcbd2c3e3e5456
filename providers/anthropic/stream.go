package anthropic

import (
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"autopilot/core/provider"
)

type blockKind int

const (
	blockText blockKind = iota
	blockTool
)

// anthropicIterator adapts the SDK's server-sent-event stream to
// provider.StreamIterator, translating Anthropic's content-block
// start/delta/stop events into StreamChunks one at a time.
type anthropicIterator struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]

	block       blockKind
	pendingStop *provider.StreamChunk
	done        bool
}

func (it *anthropicIterator) Next() (provider.StreamChunk, error) {
	for {
		if it.done {
			return provider.StreamChunk{}, io.EOF
		}

		if !it.stream.Next() {
			it.done = true
			if err := it.stream.Err(); err != nil {
				return provider.StreamChunk{}, classifyErr(err)
			}
			if it.pendingStop != nil {
				chunk := *it.pendingStop
				it.pendingStop = nil
				return chunk, nil
			}
			return provider.StreamChunk{}, io.EOF
		}

		event := it.stream.Current()
		if chunk, ok := it.translate(event); ok {
			return chunk, nil
		}
	}
}

func (it *anthropicIterator) Close() error {
	it.done = true
	return it.stream.Close()
}

func (it *anthropicIterator) translate(event anthropic.MessageStreamEventUnion) (provider.StreamChunk, bool) {
	switch event.Type {
	case "content_block_start":
		return it.handleBlockStart(event)
	case "content_block_delta":
		return it.handleBlockDelta(event)
	case "content_block_stop":
		return it.handleBlockStop()
	case "message_delta":
		if it.pendingStop == nil {
			it.pendingStop = &provider.StreamChunk{Event: provider.EventMessageStop}
		}
		it.pendingStop.StopReason = string(event.Delta.StopReason)
		if event.Usage.OutputTokens != 0 {
			it.pendingStop.Usage = usageFrom(it.pendingStop.Usage, event.Usage.InputTokens, event.Usage.OutputTokens, event.Usage.CacheReadInputTokens, event.Usage.CacheCreationInputTokens)
		}
		return provider.StreamChunk{}, false
	case "message_start":
		u := event.Message.Usage
		it.pendingStop = &provider.StreamChunk{
			Event: provider.EventMessageStop,
			Usage: usageFrom(nil, u.InputTokens, u.OutputTokens, u.CacheReadInputTokens, u.CacheCreationInputTokens),
		}
		return provider.StreamChunk{}, false
	default:
		return provider.StreamChunk{}, false
	}
}

func usageFrom(existing *provider.Usage, input, output, cacheRead, cacheCreation int64) *provider.Usage {
	u := existing
	if u == nil {
		u = &provider.Usage{}
	}
	if input != 0 {
		u.InputTokens = int(input)
	}
	if output != 0 {
		u.OutputTokens = int(output)
	}
	if cacheRead != 0 {
		u.CacheReadTokens = int(cacheRead)
	}
	if cacheCreation != 0 {
		u.CacheCreationTokens = int(cacheCreation)
	}
	return u
}

func (it *anthropicIterator) handleBlockStart(event anthropic.MessageStreamEventUnion) (provider.StreamChunk, bool) {
	block := event.ContentBlock
	if block.Type == "tool_use" {
		it.block = blockTool
		return provider.StreamChunk{
			Event:      provider.EventToolStart,
			ToolCallID: block.ID,
			ToolName:   block.Name,
		}, true
	}
	it.block = blockText
	if block.Text != "" {
		return provider.StreamChunk{Event: provider.EventTextDelta, Text: block.Text}, true
	}
	return provider.StreamChunk{}, false
}

func (it *anthropicIterator) handleBlockDelta(event anthropic.MessageStreamEventUnion) (provider.StreamChunk, bool) {
	delta := event.Delta
	switch delta.Type {
	case "text_delta":
		return provider.StreamChunk{Event: provider.EventTextDelta, Text: delta.Text}, true
	case "input_json_delta":
		return provider.StreamChunk{Event: provider.EventToolDelta, InputDelta: delta.PartialJSON}, true
	default:
		return provider.StreamChunk{}, false
	}
}

func (it *anthropicIterator) handleBlockStop() (provider.StreamChunk, bool) {
	if it.block == blockTool {
		it.block = blockText
		return provider.StreamChunk{Event: provider.EventToolEnd}, true
	}
	return provider.StreamChunk{}, false
}
