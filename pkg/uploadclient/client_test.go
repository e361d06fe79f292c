package uploadclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsLoopback(t *testing.T) {
	for _, host := range []string{"127.0.0.1", "localhost", "::1"} {
		u, err := url.Parse("http://" + host + ":8080/store")
		require.NoError(t, err)
		require.True(t, IsLoopback(u), host)
	}

	u, err := url.Parse("http://example.com/store")
	require.NoError(t, err)
	require.False(t, IsLoopback(u))
}

func TestProbe_TargetsBlobSiblingRoute(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		if r.URL.Path == "/store/blob-1" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(time.Second)
	present, err := c.Probe(context.Background(), srv.URL+"/store", "blob-1", "")
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, http.MethodHead, gotMethod)
	require.Equal(t, "/store/blob-1", gotPath)
}

func TestProbe_AbsentBlobReturnsFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(time.Second)
	present, err := c.Probe(context.Background(), srv.URL+"/store", "missing-blob", "")
	require.NoError(t, err)
	require.False(t, present)
}

func TestUpload_AttachesAuthHeaderOnLoopback(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get(AuthHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(time.Second)
	status, _, err := c.Upload(context.Background(), srv.URL+"/store", []byte("payload"), "secret")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "secret", gotAuth)
}
