package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	media "github.com/i5heu/ouroboros-media"
	"github.com/i5heu/ouroboros-media/internal/progress"
	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/interfaces"
	"github.com/i5heu/ouroboros-media/pkg/model"
)

const multipartMemory = 32 << 20

// handleUpload accepts a multipart form with a "file" part and starts the
// upload in the background. Poll /v1/uploads/{jobID} for progress.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	creator, ok := s.viewer(w, r)
	if !ok {
		return
	}
	if creator == "" {
		writeError(w, http.StatusUnauthorized, "uploads require an authenticated creator")
		return
	}
	if s.signer == nil {
		writeError(w, http.StatusServiceUnavailable, "uploads are disabled: no storage signer configured")
		return
	}
	if !strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "multipart/form-data") {
		writeError(w, http.StatusUnsupportedMediaType, "expected multipart/form-data")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse multipart form: %v", err))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	req, err := parseUploadForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// The multipart parts are removed when the handler returns.
	source, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read file: %v", err))
		return
	}
	req.Source = bytes.NewReader(source)
	req.Signer = s.signer
	req.CreatorRef = creator

	job := s.jobs.add()
	s.startUpload(job.id, req)
	s.log.Info("upload accepted", "job", job.id, "creator", creator, "bytes", len(source),
		"requestID", middleware.GetReqID(r.Context()))
	w.Header().Set("Location", "/v1/uploads/"+job.id)
	writeJSON(w, http.StatusAccepted, uploadAccepted{JobID: job.id})
}

func (s *Server) startUpload(jobID string, req media.UploadRequest) {
	reporter := progress.NewReporter()
	req.Progress = reporter

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		for ev := range reporter.Events() {
			s.jobs.progress(jobID, ev)
		}
	}()
	go func() {
		defer s.wg.Done()
		res, err := s.media.UploadVideo(s.ctx, req)
		reporter.Close()
		if err != nil {
			s.log.Warn("upload failed", "job", jobID, "error", err)
		}
		s.jobs.finish(jobID, res, err)
	}()
}

func parseUploadForm(r *http.Request) (media.UploadRequest, error) {
	req := media.UploadRequest{
		Title:       strings.TrimSpace(r.FormValue("title")),
		PolicyScope: strings.TrimSpace(r.FormValue("scope")),
		Policy:      model.EncryptionType(strings.TrimSpace(r.FormValue("encryption"))),
	}
	if req.Policy == "" {
		req.Policy = model.EncryptionDekOnly
	}
	if _, err := req.Policy.Schemes(); err != nil {
		return req, err
	}

	switch ks := strings.TrimSpace(r.FormValue("keyScheme")); ks {
	case "", model.KeySchemeIndependent.String():
		req.KeyScheme = model.KeySchemeIndependent
	case model.KeySchemeRootSecret.String():
		req.KeyScheme = model.KeySchemeRootSecret
	default:
		return req, fmt.Errorf("unknown key scheme %q", ks)
	}

	if v := strings.TrimSpace(r.FormValue("epochs")); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return req, errors.New("epochs must be a positive integer")
		}
		req.Epochs = uint32(n)
	}

	var qualities []qualityRequest
	if err := json.Unmarshal([]byte(r.FormValue("qualities")), &qualities); err != nil {
		return req, fmt.Errorf("qualities must be a JSON array: %v", err)
	}
	if len(qualities) == 0 {
		return req, errors.New("at least one quality is required")
	}
	seen := make(map[string]bool, len(qualities))
	for _, q := range qualities {
		if q.Label == "" || strings.ContainsAny(q.Label, "/:") || seen[q.Label] {
			return req, fmt.Errorf("quality label %q is empty, invalid or duplicated", q.Label)
		}
		seen[q.Label] = true
		req.Qualities = append(req.Qualities, interfaces.QualitySpec(q))
	}
	return req, nil
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.jobs.status(chi.URLParam(r, "jobID"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown upload")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusNotImplemented, "listing is not available")
		return
	}
	videos, err := s.catalog.ListVideos(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]videoResponse, 0, len(videos))
	for _, v := range videos {
		out = append(out, toVideoResponse(v, nil))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")
	video, err := s.media.GetVideo(r.Context(), videoID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	renditions, err := s.media.GetRenditions(r.Context(), videoID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVideoResponse(video, renditions))
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.viewer(w, r)
	if !ok {
		return
	}
	var body createSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	hs, err := s.media.CreateSession(r.Context(), media.CreateSessionRequest{
		VideoID:           chi.URLParam(r, "videoID"),
		Viewer:            viewer,
		ClientPublicKey:   body.ClientPublicKey,
		DeviceFingerprint: body.DeviceFingerprint,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.setSessionCookie(w, hs.Token, hs.ExpiresAt)
	writeJSON(w, http.StatusCreated, sessionResponse{
		SessionID:       hs.SessionID,
		ServerPublicKey: hs.ServerPublicKey,
		ServerNonce:     hs.ServerNonce,
		ExpiresAt:       hs.ExpiresAt,
	})
}

func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	token, err := sessionToken(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	expires, err := s.media.RefreshSession(r.Context(), token)
	if err != nil {
		if errors.Is(err, errs.ErrSessionNotFound) {
			s.clearSessionCookie(w)
		}
		s.fail(w, r, err)
		return
	}
	s.setSessionCookie(w, token, expires)
	writeJSON(w, http.StatusOK, refreshResponse{ExpiresAt: expires})
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	token, err := sessionToken(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.clearSessionCookie(w)
	if err := s.media.TerminateSession(r.Context(), token); err != nil && !errors.Is(err, errs.ErrSessionNotFound) {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKeyMaterial(w http.ResponseWriter, r *http.Request) {
	token, err := sessionToken(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	ref, err := parseSegmentRef(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	km, err := s.media.GetSegmentKeyMaterial(r.Context(), token, ref)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// The session is bound to one video; a mismatching path is a 404.
	if km.VideoID != chi.URLParam(r, "videoID") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	resp := keyMaterialResponse{
		VideoID:        km.VideoID,
		Scheme:         km.Ref.Scheme.String(),
		Quality:        km.Ref.Quality,
		Index:          km.Ref.Index,
		ContentAddress: km.ContentAddress,
		Size:           km.Size,
		SealedKey:      km.SealedKey,
	}
	if km.Seal != nil {
		resp.Seal = &sealDeliveryResponse{
			DocumentID:   km.Seal.DocumentID,
			Threshold:    km.Seal.Threshold,
			KeyServerIDs: km.Seal.KeyServerIDs,
		}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

func parseSegmentRef(r *http.Request) (model.SegmentRef, error) {
	scheme, err := model.ParseSchemeKind(chi.URLParam(r, "scheme"))
	if err != nil {
		return model.SegmentRef{}, err
	}
	ref := model.SegmentRef{Scheme: scheme, Quality: chi.URLParam(r, "quality")}
	switch idx := chi.URLParam(r, "index"); idx {
	case "init":
		ref.Index = model.InitSegmentIndex
	default:
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return model.SegmentRef{}, fmt.Errorf("invalid segment index %q", idx)
		}
		ref.Index = n
	}
	return ref, nil
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	data, err := s.media.ReadContent(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	contentType := "application/octet-stream"
	if bytes.HasPrefix(data, []byte("#EXTM3U")) {
		contentType = "application/vnd.apple.mpegurl"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	// Content is addressed by its hash and never changes.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.log.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) viewer(w http.ResponseWriter, r *http.Request) (string, bool) {
	v, err := s.auth(r)
	if err != nil {
		s.log.Warn("authentication failed", "error", err)
		writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return "", false
	}
	return v, true
}

// fail maps the error taxonomy to HTTP statuses. Expired and unknown
// sessions look the same to the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errs.ErrSessionNotFound):
		writeError(w, http.StatusUnauthorized, "session not found")
	case errors.Is(err, errs.ErrPolicyDenied):
		writeError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, errs.ErrSessionNotExtended):
		writeError(w, http.StatusConflict, "session cannot be extended")
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, errs.ErrInvalidManifestState):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, errs.ErrStorageNodeOverload):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "storage network overloaded")
	case errors.Is(err, media.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "service is shutting down")
	default:
		s.log.Error("request failed",
			"path", r.URL.Path, "requestID", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
