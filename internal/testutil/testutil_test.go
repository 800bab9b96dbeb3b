package testutil

import (
	"io"
	"net/http"
	"testing"
)

func TestDoJSON_RoundTrip(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.Copy(w, r.Body)
	})

	rec := DoJSON(t, h, http.MethodPost, "/echo", map[string]float64{"distance": 15.5})
	AssertStatusCode(t, rec.Code, http.StatusAccepted)

	var got map[string]float64
	DecodeBody(t, rec, &got)
	if got["distance"] != 15.5 {
		t.Errorf("distance = %v, want 15.5", got["distance"])
	}
}

func TestDoJSON_NoBody(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if len(b) != 0 {
			t.Errorf("unexpected body %q", b)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	rec := DoJSON(t, h, http.MethodGet, "/health", nil)
	AssertStatusCode(t, rec.Code, http.StatusNoContent)
}
