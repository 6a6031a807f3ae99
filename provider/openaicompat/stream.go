package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/nevindra/atlas"
)

// streamSSE reads an SSE stream from body and sends typed chunks to ch.
// Reasoning deltas become thoughts chunks, content deltas become answer
// chunks; each kind is announced once with its start chunk. The final
// usage is both sent as a chunk and returned.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, ch chan<- atlas.StreamChunk) (atlas.Usage, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var usage atlas.Usage
	var sawUsage, thoughtsOpen, answerOpen bool

	send := func(c atlas.StreamChunk) error {
		select {
		case ch <- c:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk wireResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}
		if chunk.Usage != nil {
			usage = atlas.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
			sawUsage = true
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}
		delta := chunk.Choices[0].Delta

		if r := delta.reasoningText(); r != "" {
			if !thoughtsOpen {
				thoughtsOpen = true
				if err := send(atlas.StreamChunk{Type: atlas.ChunkThoughtsStart}); err != nil {
					return atlas.Usage{}, err
				}
			}
			if err := send(atlas.StreamChunk{Type: atlas.ChunkThoughts, Text: r}); err != nil {
				return atlas.Usage{}, err
			}
		}
		if delta.Content != "" {
			if !answerOpen {
				answerOpen = true
				if err := send(atlas.StreamChunk{Type: atlas.ChunkAnswerStart}); err != nil {
					return atlas.Usage{}, err
				}
			}
			if err := send(atlas.StreamChunk{Type: atlas.ChunkAnswer, Text: delta.Content}); err != nil {
				return atlas.Usage{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return atlas.Usage{}, err
	}

	if sawUsage {
		u := usage
		if err := send(atlas.StreamChunk{Type: atlas.ChunkUsage, Usage: &u}); err != nil {
			return atlas.Usage{}, err
		}
	}
	return usage, nil
}

// --- wire types (OpenAI chat completions) ---

type wireRequest struct {
	Model         string         `json:"model"`
	Messages      []wireMessage  `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireResponse struct {
	ID      string      `json:"id"`
	Choices []choice    `json:"choices"`
	Usage   *usageBlock `json:"usage,omitempty"`
}

type choice struct {
	Index        int    `json:"index"`
	Delta        *delta `json:"delta,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// delta carries both reasoning spellings seen in the wild: OpenRouter
// streams "reasoning", DeepSeek streams "reasoning_content".
type delta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	Reasoning        string `json:"reasoning,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

func (d *delta) reasoningText() string {
	if d.Reasoning != "" {
		return d.Reasoning
	}
	return d.ReasoningContent
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
