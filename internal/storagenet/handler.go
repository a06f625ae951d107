package storagenet

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/interfaces"
)

const (
	headerSignerAddress = "X-Signer-Address"
	headerSignature     = "X-Signature"

	maxBlobSize = 64 << 20
)

type registerResponse struct {
	Handle string `json:"handle"`
	Cost   uint64 `json:"cost"`
}

type certifyResponse struct {
	Address string `json:"address"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// presignedSigner carries a signature produced by the remote caller.
type presignedSigner struct {
	address string
	sig     []byte
}

func (s presignedSigner) Address() string { return s.address }
func (s presignedSigner) Sign([]byte) ([]byte, error) { return s.sig, nil }

// NewHandler exposes network over HTTP:
//
//	POST /v1/blobs?epochs=N           register a blob, body is the blob
//	POST /v1/blobs/{handle}/certify   certify a registration
//	GET  /v1/blobs/{address}          read a certified blob
func NewHandler(network interfaces.StorageNetwork, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &handler{network: network, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Route("/v1/blobs", func(r chi.Router) {
		r.Post("/", h.register)
		r.Post("/{handle}/certify", h.certify)
		r.Get("/{address}", h.read)
	})
	return r
}

type handler struct {
	network interfaces.StorageNetwork
	log     *slog.Logger
}

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	epochs, err := strconv.ParseUint(r.URL.Query().Get("epochs"), 10, 32)
	if err != nil || epochs == 0 {
		writeError(w, http.StatusBadRequest, "epochs must be a positive integer")
		return
	}
	signer, ok := signerFromRequest(w, r)
	if !ok {
		return
	}
	blob, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBlobSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "blob too large")
		return
	}

	p, err := h.network.Register(r.Context(), blob, uint32(epochs), signer)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{Handle: p.Handle, Cost: p.Cost})
}

func (h *handler) certify(w http.ResponseWriter, r *http.Request) {
	signer, ok := signerFromRequest(w, r)
	if !ok {
		return
	}
	address, err := h.network.Certify(r.Context(), chi.URLParam(r, "handle"), signer)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, certifyResponse{Address: address})
}

func (h *handler) read(w http.ResponseWriter, r *http.Request) {
	data, err := h.network.Read(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errs.ErrStorageNodeOverload):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "storage node overloaded")
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, errBadSignature):
		writeError(w, http.StatusUnauthorized, "invalid signature")
	default:
		h.log.Error("storage request failed",
			"path", r.URL.Path, "requestID", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func signerFromRequest(w http.ResponseWriter, r *http.Request) (interfaces.Signer, bool) {
	address := r.Header.Get(headerSignerAddress)
	sig, err := base64.StdEncoding.DecodeString(r.Header.Get(headerSignature))
	if address == "" || err != nil || len(sig) == 0 {
		writeError(w, http.StatusUnauthorized, "missing signer headers")
		return nil, false
	}
	return presignedSigner{address: address, sig: sig}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
