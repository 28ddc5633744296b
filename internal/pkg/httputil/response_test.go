package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	OK(rec, map[string]int{"points": 10})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"points":10}`, rec.Body.String())
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		code   string
	}{
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "bad") }, http.StatusBadRequest, "bad_request"},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "gone") }, http.StatusNotFound, "not_found"},
		{"bad gateway", func(w http.ResponseWriter) { BadGateway(w, "upstream") }, http.StatusBadGateway, "upstream_error"},
		{"gateway timeout", func(w http.ResponseWriter) { GatewayTimeout(w, "pending") }, http.StatusGatewayTimeout, "upstream_pending"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)
			assert.Equal(t, tt.status, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestInternalErrorHidesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	InternalError(rec, errors.New("password=hunter2 leaked"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func TestQueryHelpers(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?days=7&bad=x&fields=count,%20apps|firefox,&fields=usage", nil)

	n, ok := QueryInt(r, "days", 30)
	assert.True(t, ok)
	assert.Equal(t, 7, n)

	n, ok = QueryInt(r, "missing", 30)
	assert.True(t, ok)
	assert.Equal(t, 30, n)

	_, ok = QueryInt(r, "bad", 30)
	assert.False(t, ok)

	assert.Equal(t, []string{"count", "apps|firefox", "usage"}, QueryList(r, "fields"))
	assert.Nil(t, QueryList(r, "none"))
}
