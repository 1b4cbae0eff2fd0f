package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"pastebin/cfg"
	"pastebin/pkg/domain"
	"pastebin/svc/svc"
	"pastebin/svc/util"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type ContentReq struct {
	Content string `json:"content"`
}

type CreateResp struct {
	ID uint64 `json:"id"`
}

// decodeContent reads a {"content": ...} body. It writes the error response
// itself and reports whether the handler should continue.
func (h *Hdl) decodeContent(w http.ResponseWriter, r *http.Request) (string, bool) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		writeErr(w, domain.ErrUnsupportedMedia, requestID)
		return "", false
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return "", false
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestSize)
	var req ContentReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case err == io.EOF:
			log.Warn().Msg("empty request body")
		case errors.As(err, &tooLarge):
			log.Warn().Int64("limit", tooLarge.Limit).Msg("request body too large")
			writeErr(w, domain.ErrBodyTooLarge, requestID)
			return "", false
		default:
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return "", false
	}
	return req.Content, true
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	content, ok := h.decodeContent(w, r)
	if !ok {
		return
	}
	id, err := h.paste.Create(r.Context(), content)
	if err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{ID: id})
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	paste, err := h.paste.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	hlog.FromRequest(r).Debug().
		Uint64("paste_id", id).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Msg("paste retrieved")
	json.NewEncoder(w).Encode(paste)
}

// UpdatePaste replaces the whole content; there is no partial update.
func (h *Hdl) UpdatePaste(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	content, ok := h.decodeContent(w, r)
	if !ok {
		return
	}
	paste, err := h.paste.Update(r.Context(), id, content)
	if err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	json.NewEncoder(w).Encode(paste)
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	paste, err := h.paste.Delete(r.Context(), id)
	if err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	json.NewEncoder(w).Encode(paste)
}

func (h *Hdl) ListPastes(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	var params domain.ListParams
	var ok bool
	if params.Page, ok = queryUint(w, r, "page"); !ok {
		return
	}
	if params.PerPage, ok = queryUint(w, r, "per_page"); !ok {
		return
	}
	pastes, err := h.paste.List(r.Context(), params)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(pastes)
}

func (h *Hdl) SearchPastes(w http.ResponseWriter, r *http.Request) {
	pastes, err := h.paste.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	json.NewEncoder(w).Encode(pastes)
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeErr(w, domain.ErrInvalidRequest.With("reason", "id must be an unsigned integer"), util.GetRequestID(r.Context()))
		return 0, false
	}
	return id, true
}

// queryUint returns nil when the parameter is absent.
func queryUint(w http.ResponseWriter, r *http.Request, name string) (*uint64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeErr(w, domain.ErrInvalidRequest.With("reason", name+" must be an unsigned integer"), util.GetRequestID(r.Context()))
		return nil, false
	}
	return &v, true
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	resp := domain.ToResp(err)
	resp.RequestID = requestID
	if statusCode >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
		resp.Error.Meta = nil
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}
