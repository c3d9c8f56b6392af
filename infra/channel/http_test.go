package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/flexplan/auth"
	"github.com/kilianp07/flexplan/core/document"
)

func TestHTTPSendAndReceive(t *testing.T) {
	var tokens atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"peer-token","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	recv, err := NewHTTP(HTTPConfig{Token: "peer-token"})
	require.NoError(t, err)
	var got []document.Document
	require.NoError(t, recv.Receive(context.Background(), "agr.example.com", func(_ context.Context, d document.Document) error {
		got = append(got, d)
		return nil
	}))
	peer := httptest.NewServer(recv.Handler())
	defer peer.Close()

	send, err := NewHTTP(HTTPConfig{
		Peers: []HTTPPeer{{Domain: "agr.example.com", URL: peer.URL}},
		Auth:  auth.Conf{ClientID: "dso", ClientSecret: "s", TokenURL: tokenSrv.URL},
	})
	require.NoError(t, err)

	ep, err := send.Endpoint(testDoc())
	require.NoError(t, err)
	assert.Equal(t, peer.URL+"/flex/agr.example.com", ep)

	require.NoError(t, send.Send(context.Background(), testDoc()))
	require.NoError(t, send.Send(context.Background(), testDoc()))
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].Sequence)
	assert.Equal(t, int32(1), tokens.Load())
}

func TestHTTPRejectsUnauthenticatedPeers(t *testing.T) {
	recv, err := NewHTTP(HTTPConfig{Token: "secret"})
	require.NoError(t, err)
	require.NoError(t, recv.Receive(context.Background(), "agr.example.com", func(context.Context, document.Document) error { return nil }))
	peer := httptest.NewServer(recv.Handler())
	defer peer.Close()

	send, err := NewHTTP(HTTPConfig{Peers: []HTTPPeer{{Domain: "agr.example.com", URL: peer.URL}}})
	require.NoError(t, err)
	err = send.Send(context.Background(), testDoc())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestHTTPHandlerErrors(t *testing.T) {
	recv, err := NewHTTP(HTTPConfig{})
	require.NoError(t, err)
	require.NoError(t, recv.Receive(context.Background(), "agr.example.com", func(context.Context, document.Document) error {
		return errors.New("store down")
	}))
	require.Error(t, recv.Receive(context.Background(), "agr.example.com", nil))

	payload, err := document.Marshal(testDoc())
	require.NoError(t, err)
	cases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown recipient", "/flex/other.example.com", string(payload), http.StatusNotFound},
		{"bad json", "/flex/agr.example.com", "{", http.StatusBadRequest},
		{"recipient mismatch", "/flex/agr.example.com", strings.Replace(string(payload), "agr.example.com", "x.example.com", 1), http.StatusBadRequest},
		{"handler failure", "/flex/agr.example.com", string(payload), http.StatusInternalServerError},
	}
	h := recv.Handler()
	for _, c := range cases {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, c.path, strings.NewReader(c.body)))
		if rr.Code != c.status {
			t.Errorf("%s: status %d, want %d", c.name, rr.Code, c.status)
		}
	}
}

func TestHTTPUnknownPeer(t *testing.T) {
	send, err := NewHTTP(HTTPConfig{})
	require.NoError(t, err)
	require.Error(t, send.Send(context.Background(), testDoc()))

	_, err = NewHTTP(HTTPConfig{Peers: []HTTPPeer{{Domain: "a", URL: "::"}}})
	require.Error(t, err)
}
