package generic

import "github.com/jiafuei/ccproxy/internal/transform"

// PassthroughStream is the default stream transformer for the anthropic
// backend: upstream already speaks Anthropic SSE, so chunk bytes are
// forwarded unchanged.
type PassthroughStream struct{}

func newPassthroughStream(map[string]any) (transform.Transformer, error) {
	return &PassthroughStream{}, nil
}

func (t *PassthroughStream) TransformChunk(p transform.ChunkParams) ([]byte, error) {
	return p.Chunk, nil
}
