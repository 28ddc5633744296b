package stats

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestFetchErrorTruncatesOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("a", 199) + strings.Repeat("é", 50)
	msg := (&FetchError{Metric: "downloads", Status: 500, Body: body}).Error()

	assert.True(t, utf8.ValidString(msg))
	assert.True(t, strings.HasSuffix(msg, ": "+strings.Repeat("a", 199)+"..."), msg)

	short := (&FetchError{Metric: "downloads", Status: 404, Body: "nope"}).Error()
	assert.Equal(t, "stats upstream error for downloads (status 404): nope", short)
}
