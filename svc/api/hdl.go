package api

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"runbin/cfg"
	"runbin/pkg/domain"
	"runbin/svc/lim"
	"runbin/svc/svc"
	"runbin/svc/util"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

const (
	secretHeader   = "X-Paste-Secret"
	requestSlack   = 64 * 1024
	busyRetryAfter = "2"
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type SubmitReq struct {
	Name       string `json:"name"`
	Content    string `json:"content"`
	Visibility string `json:"visibility,omitempty"`
	Secret     string `json:"secret,omitempty"`
}

type SubmitResp struct {
	ID            string            `json:"id"`
	RawURL        string            `json:"rawUrl"`
	ExecuteURL    string            `json:"executeUrl"`
	Visibility    domain.Visibility `json:"visibility"`
	HasCredential bool              `json:"hasCredential"`
}

type UpdateReq struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Secret  string `json:"secret,omitempty"`
}

type UpdateResp struct {
	ID         string `json:"id"`
	RawURL     string `json:"rawUrl"`
	ExecuteURL string `json:"executeUrl"`
}

type StatusResp struct {
	Status    string    `json:"status"`
	Total     int       `json:"totalCount"`
	Public    int       `json:"publicCount"`
	Private   int       `json:"privateCount"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Hdl) Submit(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req SubmitReq
	if err := h.decodeJSON(w, r, &req); err != nil {
		log.Warn().Err(err).Msg("invalid submit request")
		writeErr(w, err, requestID)
		return
	}
	rec, err := h.paste.Submit(r.Context(), domain.SubmitParams{
		Name:       req.Name,
		Content:    req.Content,
		Visibility: req.Visibility,
		Secret:     req.Secret,
	})
	if err != nil {
		h.fail(w, r, err, "submit failed")
		return
	}
	raw, exec := h.urls(r, rec.ID)
	json.NewEncoder(w).Encode(SubmitResp{
		ID:            rec.ID,
		RawURL:        raw,
		ExecuteURL:    exec,
		Visibility:    rec.Visibility,
		HasCredential: rec.HasCredential,
	})
}

func (h *Hdl) Update(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id, ok := pasteID(w, r)
	if !ok {
		return
	}
	var req UpdateReq
	if err := h.decodeJSON(w, r, &req); err != nil {
		log.Warn().Err(err).Str("paste_id", id).Msg("invalid update request")
		writeErr(w, err, requestID)
		return
	}
	secret := req.Secret
	if secret == "" {
		secret = r.Header.Get(secretHeader)
	}
	rec, err := h.paste.Update(r.Context(), domain.UpdateParams{
		ID:      id,
		Name:    req.Name,
		Content: req.Content,
		Secret:  secret,
	})
	if err != nil {
		h.fail(w, r, err, "update failed")
		return
	}
	raw, exec := h.urls(r, rec.ID)
	json.NewEncoder(w).Encode(UpdateResp{ID: rec.ID, RawURL: raw, ExecuteURL: exec})
}

func (h *Hdl) Raw(w http.ResponseWriter, r *http.Request) {
	id, ok := pasteID(w, r)
	if !ok {
		return
	}
	rec, data, err := h.paste.Raw(r.Context(), id, requestSecret(r))
	if err != nil {
		h.fail(w, r, err, "raw read failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="`+rec.OriginalName+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Hdl) Execute(w http.ResponseWriter, r *http.Request) {
	id, ok := pasteID(w, r)
	if !ok {
		return
	}
	format := r.URL.Query().Get("format")
	if format != "" && format != "json" && format != "text" {
		writeErr(w, domain.ErrInvalidRequest, util.GetRequestID(r.Context()))
		return
	}
	rec, res, err := h.paste.Execute(r.Context(), id, requestSecret(r))
	if err != nil {
		h.fail(w, r, err, "execute failed")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	if format == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, res.Narrative(rec.OriginalName, rec.ID, h.cfg.Sandbox.Timeout, time.Now()))
		return
	}
	json.NewEncoder(w).Encode(res)
}

func (h *Hdl) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.paste.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err, "status failed")
		return
	}
	json.NewEncoder(w).Encode(StatusResp{
		Status:    "online",
		Total:     st.Total,
		Public:    st.Public,
		Private:   st.Private,
		Timestamp: time.Now().UTC(),
	})
}

// decodeJSON reads a bounded JSON body. The bound leaves room for the
// base64 expansion of the largest accepted paste.
func (h *Hdl) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return errors.Wrap(domain.ErrInvalidRequest, "expected application/json")
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		return errors.Wrap(domain.ErrInvalidRequest, "compressed body")
	}
	limit := int64(base64.StdEncoding.EncodedLen(int(h.cfg.MaxPasteSize))) + requestSlack
	if r.ContentLength > limit {
		return domain.ErrPasteTooLarge
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return domain.ErrPasteTooLarge
		}
		return errors.Wrap(domain.ErrInvalidRequest, err.Error())
	}
	return nil
}

func (h *Hdl) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	switch {
	case errors.Is(err, svc.ErrShuttingDown):
		err = domain.ErrUnavailable
	case errors.Is(err, domain.ErrAccessDenied):
		log.Warn().
			Str("paste_id", id).
			Str("client_ip", util.RedactIP(lim.GetRealIP(r, h.cfg.TrustedProxies))).
			Msg("wrong secret presented")
	case errors.Is(err, domain.ErrSandboxBusy):
		w.Header().Set("Retry-After", busyRetryAfter)
		log.Warn().Str("paste_id", id).Msg("sandbox busy")
	case domain.Status(err) < http.StatusInternalServerError:
		log.Debug().Err(err).Str("paste_id", id).Msg(msg)
	default:
		log.Error().Err(err).Str("paste_id", id).Msg(msg)
	}
	writeErr(w, err, requestID)
}

func (h *Hdl) urls(r *http.Request, id string) (string, string) {
	base := h.cfg.PublicBaseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/paste/" + id + "/raw", base + "/paste/" + id + "/execute"
}

// pasteID rejects malformed ids as unknown before they reach the store.
func pasteID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !util.IsValidID(id) {
		writeErr(w, domain.ErrPasteNotFound, util.GetRequestID(r.Context()))
		return "", false
	}
	return id, true
}

func requestSecret(r *http.Request) string {
	if s := r.URL.Query().Get("secret"); s != "" {
		return s
	}
	return r.Header.Get(secretHeader)
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	resp := domain.ToResp(err)
	if statusCode >= 500 && statusCode != http.StatusServiceUnavailable {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error":      resp.Error.Msg,
		"code":       resp.Error.Code,
		"request_id": requestID,
	})
}
