package atlas

// ChunkType identifies a provider stream chunk.
type ChunkType string

const (
	// ChunkThoughtsStart signals the first reasoning token is about to arrive.
	ChunkThoughtsStart ChunkType = "thoughts_start"
	// ChunkThoughts carries an incremental reasoning fragment.
	ChunkThoughts ChunkType = "thoughts"
	// ChunkAnswerStart signals the first answer token is about to arrive.
	ChunkAnswerStart ChunkType = "answer_start"
	// ChunkAnswer carries an incremental answer fragment.
	ChunkAnswer ChunkType = "answer"
	// ChunkUsage carries token accounting, typically as the final chunk.
	ChunkUsage ChunkType = "usage"
)

// StreamChunk is one element of a provider's token stream.
// Providers send chunks on the channel passed to GenerateStream and close
// the channel when the stream ends.
type StreamChunk struct {
	Type  ChunkType `json:"type"`
	Text  string    `json:"text,omitempty"`
	Usage *Usage    `json:"usage,omitempty"`
}
