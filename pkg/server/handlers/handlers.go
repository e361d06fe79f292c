// Package handlers implements the request handlers behind the Loopback
// Upload Endpoint (spec.md §4.H): identity queries, blob uploads, and
// descriptor handshakes, all served over 127.0.0.1 only.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dreadstar/meshrabiyad/pkg/blobstore"
	"github.com/dreadstar/meshrabiyad/pkg/errdefs"
)

// APIVersion is the wire version reported by GET /identity.
const APIVersion = 1

// Participation reports whether this node currently accepts delegated
// uploads. A node that has opted out of delegation (low battery, metered
// connection, user preference) answers POST /store with 503 instead.
type Participation func() bool

// Identity describes this node's onion presence for GET /identity. Both
// fields are supplied by the anonymising-network client this subsystem
// rides alongside; OnionAddress may be empty before that client has
// published a service.
type Identity struct {
	OnionPubKey  string
	OnionAddress string
}

// Handlers bundles the dependencies the three Loopback Upload Endpoint
// routes need.
type Handlers struct {
	Store         *blobstore.Store
	Participating Participation
	Identity      Identity
	// SelfUploadEndpoint is the base URL this node hands back from
	// POST /descriptor so the caller can complete its upload via this same
	// node's /store route (spec.md §6: "using identical semantics as
	// remote peers").
	SelfUploadEndpoint string
}

type identityResponse struct {
	OnionPubKey  string `json:"onion_pubkey"`
	OnionAddress any    `json:"onion_address"`
	APIVersion   int    `json:"api_version"`
}

// GetIdentity serves GET /identity.
func (h *Handlers) GetIdentity(c echo.Context) error {
	var addr any = h.Identity.OnionAddress
	if h.Identity.OnionAddress == "" {
		addr = nil
	}
	return c.JSON(http.StatusOK, identityResponse{
		OnionPubKey:  h.Identity.OnionPubKey,
		OnionAddress: addr,
		APIVersion:   APIVersion,
	})
}

type storeResponse struct {
	BlobID string `json:"blobId"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// internalErrorResponse matches spec.md §6's 500 shape, which names the
// error detail field "ex" rather than "message".
type internalErrorResponse struct {
	Error string `json:"error"`
	Ex    string `json:"ex"`
}

// retryAfterSeconds is how long a caller should wait before retrying a
// 503 from POST /store (spec.md §6).
const retryAfterSeconds = 30

// PostStore serves POST /store: ingest the request body as a new blob,
// subject to this node's participation policy and the Store's own size
// limit. The body may be raw (Content-Length-bearing) bytes or a
// multipart/form-data upload carrying the blob in a "file" part, per
// spec.md §4.H's body-handling note.
func (h *Handlers) PostStore(c echo.Context) error {
	if h.Participating != nil && !h.Participating() {
		return respondUnavailable(c, errdefs.ErrServiceUnavailable)
	}

	body, cleanup, err := storeRequestBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "bad_request", Message: err.Error()})
	}
	defer cleanup()

	ownerID := c.Request().Header.Get("X-Meshrabiya-Origin")
	id, err := h.Store.Ingest(c.Request().Context(), body, ownerID, nil)
	if err != nil {
		switch {
		case errors.Is(err, errdefs.ErrTooLarge):
			return c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: "too_large", Message: err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, internalErrorResponse{Error: "internal", Ex: err.Error()})
		}
	}
	return c.JSON(http.StatusOK, storeResponse{BlobID: id})
}

// storeRequestBody returns the blob body reader for a /store request:
// the multipart "file" part for a multipart/form-data request, or the raw
// request body otherwise. The returned cleanup must be deferred by the
// caller even when it is a no-op.
func storeRequestBody(c echo.Context) (io.Reader, func(), error) {
	if ct := c.Request().Header.Get("Content-Type"); strings.HasPrefix(ct, "multipart/") {
		file, _, err := c.Request().FormFile("file")
		if err != nil {
			return nil, func() {}, fmt.Errorf("reading multipart file part: %w", err)
		}
		return file, func() { file.Close() }, nil
	}
	return c.Request().Body, func() {}, nil
}

// respondUnavailable answers a 503 for err, the sentinel-classified form of
// spec.md §6's non-participating response.
func respondUnavailable(c echo.Context, err error) error {
	msg := "service unavailable"
	if errors.Is(err, errdefs.ErrServiceUnavailable) {
		msg = "node is not currently participating in delegation"
	}
	c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds))
	return c.JSON(http.StatusServiceUnavailable, errorResponse{
		Error:      "service_unavailable",
		Message:    msg,
		RetryAfter: retryAfterSeconds,
	})
}

// HeadStore serves HEAD /store/:id: the Worker's idempotency probe before
// uploading to an assignee (spec.md §4.A Stat, §4.G). A 200 response means
// the peer already holds the blob and the upload can be skipped.
func (h *Handlers) HeadStore(c echo.Context) error {
	if _, err := h.Store.Stat(c.Param("id")); err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			return c.NoContent(http.StatusNotFound)
		}
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusOK)
}

type descriptorRequest struct {
	BlobID    string `json:"blobId,omitempty"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
}

type descriptorResponse struct {
	DescriptorID   string `json:"descriptorId"`
	Accepted       bool   `json:"accepted"`
	UploadEndpoint string `json:"upload_endpoint,omitempty"`
	Token          string `json:"token,omitempty"`
	Note           string `json:"note,omitempty"`
}

// PostDescriptor serves POST /descriptor: a lightweight handshake a peer
// performs before it commits to uploading a blob body via /store.
func (h *Handlers) PostDescriptor(c echo.Context) error {
	var req descriptorRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "bad_request", Message: err.Error()})
	}

	descriptorID := uuid.NewString()
	if h.Participating != nil && !h.Participating() {
		return c.JSON(http.StatusOK, descriptorResponse{
			DescriptorID: descriptorID,
			Accepted:     false,
			Note:         "node is not currently participating in delegation",
		})
	}

	return c.JSON(http.StatusOK, descriptorResponse{
		DescriptorID:   descriptorID,
		Accepted:       true,
		UploadEndpoint: h.SelfUploadEndpoint,
		Token:          uuid.NewString(),
	})
}
