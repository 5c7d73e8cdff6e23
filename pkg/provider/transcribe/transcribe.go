// Package transcribe holds the batch (prerecorded) transcription providers
// used by the HTTP API. Providers accept the whole audio file plus free-form
// string parameters from the request and return the transcript text, so new
// provider options can pass through without code changes here.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout is the read/write timeout applied when none is configured.
const DefaultTimeout = 300 * time.Second

// connectTimeout bounds connection establishment separately from the long
// transcription read.
const connectTimeout = 10 * time.Second

// Result is a provider's parsed response.
type Result struct {
	RawTranscription string
	DetectedLanguage string
}

// Provider transcribes one complete audio file.
type Provider interface {
	Transcribe(ctx context.Context, audio []byte, contentType string, params map[string]string) (Result, error)
}

// StatusError is returned when the provider's HTTP response carries a non-2xx
// status. The API layer passes the status through to its own client.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transcribe: provider returned %d: %s", e.Status, e.Body)
}

// IsTimeout reports whether err stems from a request deadline.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsConnectError reports whether err is a transport-level failure (the
// provider never answered), as opposed to an HTTP status or parse problem.
func IsConnectError(err error) bool {
	var ue *url.Error
	return errors.As(err, &ue)
}

// newHTTPClient builds the client shared by the providers: a short connect
// timeout with a long overall deadline for the transcription itself.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
		},
	}
}
