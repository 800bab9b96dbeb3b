package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONError(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter)
		status int
		msg    string
	}{
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "bad bbox") }, http.StatusBadRequest, "bad bbox"},
		{"conflict", func(w http.ResponseWriter) { Conflict(w, "not calibrated") }, http.StatusConflict, "not calibrated"},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "no mission") }, http.StatusNotFound, "no mission"},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "db") }, http.StatusInternalServerError, "db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.msg, body["error"])
		})
	}
}

func TestWriteJSONOK(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSONOK(rec, map[string]int{"total_targets": 2})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total_targets":2}`, rec.Body.String())
}

func TestDecodeJSON(t *testing.T) {
	type req struct {
		Width float64 `json:"reference_width_pixels"`
	}

	t.Run("empty body keeps defaults", func(t *testing.T) {
		v := req{Width: 200}
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
		require.NoError(t, DecodeJSON(r, &v))
		assert.Equal(t, 200.0, v.Width)
	})

	t.Run("overrides", func(t *testing.T) {
		v := req{Width: 200}
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reference_width_pixels":120}`))
		require.NoError(t, DecodeJSON(r, &v))
		assert.Equal(t, 120.0, v.Width)
	})

	t.Run("malformed", func(t *testing.T) {
		var v req
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reference_width_pixels":`))
		err := DecodeJSON(r, &v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid JSON body")
	})
}

func TestPostJSON(t *testing.T) {
	client := NewMockHTTPClient().AddResponse(http.StatusNoContent, "")

	err := PostJSON(context.Background(), client, "http://hook.local/alert", map[string]string{"message": "hi"})
	require.NoError(t, err)
	require.Equal(t, 1, client.RequestCount())

	req, body := client.Request(0)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"message":"hi"}`, string(body))
}

func TestPostJSON_Failures(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		client := NewMockHTTPClient().AddResponse(http.StatusBadGateway, "upstream down")
		err := PostJSON(context.Background(), client, "http://hook.local", struct{}{})
		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusBadGateway, se.StatusCode)
		assert.Equal(t, "upstream down", se.Body)
	})

	t.Run("transport", func(t *testing.T) {
		boom := errors.New("connection refused")
		client := NewMockHTTPClient().AddErrorResponse(boom)
		err := PostJSON(context.Background(), client, "http://hook.local", struct{}{})
		assert.ErrorIs(t, err, boom)
	})
}

func TestMockHTTPClient_DefaultResponse(t *testing.T) {
	client := NewMockHTTPClient()
	req, err := http.NewRequest(http.MethodGet, "http://x", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	r, body := client.Request(5)
	assert.Nil(t, r)
	assert.Nil(t, body)
}

func TestNewStandardClient(t *testing.T) {
	assert.Equal(t, "10s", NewStandardClient(0).Timeout.String())
	assert.Equal(t, "2s", NewStandardClient(2e9).Timeout.String())
}
