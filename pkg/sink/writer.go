package sink

import (
	"context"
	"io"
	"sync"

	"github.com/Jeffail/gabs/v2"
	json "github.com/goccy/go-json"
)

// WriterSink renders each document as one JSON line onto an io.Writer.
// Used by the replay CLI (stdout) and by tests.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Index(_ context.Context, destination Destination, doc *gabs.Container) error {
	line := gabs.New()
	line.Set(string(destination), "destination")
	line.Set(doc.Data(), "doc")

	encoded, err := json.Marshal(line.Data())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(encoded, '\n'))
	return err
}
