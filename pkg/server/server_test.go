package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreadstar/meshrabiyad/pkg/blobstore"
	"github.com/dreadstar/meshrabiyad/pkg/server/handlers"
)

type fakeSigner struct{}

func (fakeSigner) PublicKeyB64() (string, bool) { return "", false }

type fakeReceipts struct{}

func (fakeReceipts) Append(blobID, publicKeyB64 string) error { return nil }

type fakeScheduler struct{}

func (fakeScheduler) Schedule(jobPath string) error { return nil }

func newTestServer(t *testing.T, token string, participating bool) (*Server, *blobstore.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := blobstore.New(dir, fakeSigner{}, fakeReceipts{}, fakeScheduler{})
	require.NoError(t, err)

	h := &handlers.Handlers{
		Store:         store,
		Participating: func() bool { return participating },
		Identity:      handlers.Identity{OnionPubKey: "pubkey"},
	}
	srv := New(Config{LocalToken: token, ListenAddr: "127.0.0.1:0"}, h)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.echo.Close() })
	// give the listener goroutine a moment to accept.
	time.Sleep(10 * time.Millisecond)
	return srv, store
}

func TestServer_AuthEnforcement(t *testing.T) {
	srv, _ := newTestServer(t, "secret-token", true)
	url := "http://" + srv.Addr() + "/identity"

	resp, err := http.Get(url)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set(AuthHeader, "wrong-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req.Header.Set(AuthHeader, "secret-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"api_version":1`)
}

func TestServer_StoreUnavailableWhenNotParticipating(t *testing.T) {
	srv, _ := newTestServer(t, "secret-token", false)

	req, err := http.NewRequest(http.MethodPost, "http://"+srv.Addr()+"/store", strings.NewReader("payload"))
	require.NoError(t, err)
	req.Header.Set(AuthHeader, "secret-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "retryAfter")
}

func TestServer_StoreSucceedsWhenParticipating(t *testing.T) {
	srv, _ := newTestServer(t, "secret-token", true)

	req, err := http.NewRequest(http.MethodPost, "http://"+srv.Addr()+"/store", strings.NewReader("payload"))
	require.NoError(t, err)
	req.Header.Set(AuthHeader, "secret-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "blobId")
}

func TestServer_StoreAcceptsMultipartBody(t *testing.T) {
	srv, _ := newTestServer(t, "secret-token", true)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "blob.bin")
	require.NoError(t, err)
	_, err = part.Write([]byte("multipart payload"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, "http://"+srv.Addr()+"/store", &buf)
	require.NoError(t, err)
	req.Header.Set(AuthHeader, "secret-token")
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded struct {
		BlobID string `json:"blobId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.NotEmpty(t, decoded.BlobID)
}

func TestServer_ResponsesSetConnectionClose(t *testing.T) {
	srv, _ := newTestServer(t, "secret-token", true)

	req, err := http.NewRequest(http.MethodGet, "http://"+srv.Addr()+"/identity", nil)
	require.NoError(t, err)
	req.Header.Set(AuthHeader, "secret-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "close", resp.Header.Get("Connection"))
}

func TestServer_HeadStore_ProbesExistence(t *testing.T) {
	srv, store := newTestServer(t, "secret-token", true)

	id, err := store.Ingest(context.Background(), strings.NewReader("payload"), "origin", nil)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodHead, "http://"+srv.Addr()+"/store/"+id, nil)
	require.NoError(t, err)
	req.Header.Set(AuthHeader, "secret-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err = http.NewRequest(http.MethodHead, "http://"+srv.Addr()+"/store/no-such-blob", nil)
	require.NoError(t, err)
	req.Header.Set(AuthHeader, "secret-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
