package httpjson

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDo_SendsJSONAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Equal(t, "hello", in["text"])
		_, _ = io.WriteString(w, `{"id":"em_1"}`)
	}))
	defer srv.Close()

	var out struct {
		ID string `json:"id"`
	}
	err := Do(context.Background(), srv.Client(), Request{
		Service: "mailer",
		URL:     srv.URL,
		Header:  http.Header{"Idempotency-Key": []string{"key-1"}},
		Body:    map[string]string{"text": "hello"},
	}, &out)
	require.NoError(t, err)
	require.Equal(t, "em_1", out.ID)
}

func TestDo_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"error":"invalid recipient"}`)
	}))
	defer srv.Close()

	err := Do(context.Background(), srv.Client(), Request{Service: "mailer", URL: srv.URL, Body: struct{}{}}, nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusUnprocessableEntity, se.HTTPStatusCode())
	require.Contains(t, se.Error(), "invalid recipient")
	require.True(t, IsPermanent(err))
}

func TestDo_EmptyBodyWithOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var out map[string]any
	require.NoError(t, Do(context.Background(), srv.Client(), Request{Service: "tickets", URL: srv.URL}, &out))
	require.Nil(t, out)
}

func TestDo_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"id":`)
	}))
	defer srv.Close()

	var out map[string]any
	err := Do(context.Background(), srv.Client(), Request{Service: "tickets", URL: srv.URL}, &out)
	require.ErrorContains(t, err, "decode response")
}

func TestDo_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := &http.Client{Timeout: 20 * time.Millisecond}
	err := Do(context.Background(), client, Request{Service: "mailer", URL: srv.URL}, nil)
	require.ErrorContains(t, err, "request failed")
	require.False(t, IsPermanent(err))
}

func TestStatusError_Permanent(t *testing.T) {
	cases := map[int]bool{
		http.StatusBadRequest:          true,
		http.StatusUnauthorized:        true,
		http.StatusNotFound:            true,
		http.StatusRequestTimeout:      false,
		http.StatusTooManyRequests:     false,
		http.StatusInternalServerError: false,
		http.StatusBadGateway:          false,
	}
	for code, want := range cases {
		require.Equal(t, want, (&StatusError{StatusCode: code}).Permanent(), "status=%d", code)
	}
}
