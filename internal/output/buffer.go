package output

import (
	"bytes"
	"io"
	"net/http"
)

// flushSize is the chunk boundary for streaming responses. Roughly 40 KB
// keeps the number of network writes low without holding large buffers.
const flushSize = 40 * 1024

// ChunkedWriter accumulates output and flushes it to the client at chunk
// boundaries. The HTTP layer streams each flushed chunk.
type ChunkedWriter struct {
	w   io.Writer
	buf bytes.Buffer
}

// NewChunkedWriter wraps the response writer.
func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{w: w}
}

// Write buffers p; no bytes reach the client until a chunk fills.
func (c *ChunkedWriter) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

// WriteString buffers s.
func (c *ChunkedWriter) WriteString(s string) (int, error) {
	return c.buf.WriteString(s)
}

// MaybeFlush flushes once the buffer passed the chunk boundary. Renderers
// call it after each feature.
func (c *ChunkedWriter) MaybeFlush() error {
	if c.buf.Len() < flushSize {
		return nil
	}
	return c.Flush()
}

// Flush pushes the buffered bytes to the client.
func (c *ChunkedWriter) Flush() error {
	if c.buf.Len() == 0 {
		return nil
	}
	_, err := c.w.Write(c.buf.Bytes())
	c.buf.Reset()
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
	return err
}
