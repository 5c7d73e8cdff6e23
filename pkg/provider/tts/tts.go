// Package tts defines the synthesis interface behind the speech passthrough
// endpoint. Implementations take one text chunk and return encoded audio; the
// API layer handles chunking and concatenation.
package tts

import (
	"context"
	"fmt"
)

// Synthesizer converts one text chunk into encoded audio bytes. model selects
// the provider voice; empty means the provider default.
//
// Implementations must be safe for concurrent use.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, model string) ([]byte, error)
}

// StatusError is returned when the provider's HTTP response carries a non-2xx
// status. The API layer passes the status through to its own client.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tts: provider returned %d: %s", e.Status, e.Body)
}
