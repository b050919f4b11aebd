package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
)

func newRecorderPost(h http.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(body)))
	return rec
}
