package stats

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrInvalidRange = errors.New("invalid date range")
	ErrUnknownStep  = errors.New("unknown step unit")
	ErrStillPending = errors.New("stats still being computed upstream")
	ErrBadPayload   = errors.New("malformed stats payload")
)

// FetchError is returned when the upstream answers with a status that is
// neither 200 nor 202, after transport-level retries are exhausted.
type FetchError struct {
	Metric string
	URL    string
	Status int
	Body   string
}

func (e *FetchError) Error() string {
	body := e.Body
	if len(body) > 200 {
		cut := 200
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut] + "..."
	}
	return fmt.Sprintf("stats upstream error for %s (status %d): %s", e.Metric, e.Status, body)
}
