package tracking

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/attacksim/engine/internal/analytics"
	"github.com/attacksim/engine/internal/capture"
	"github.com/attacksim/engine/internal/funnel"
	"github.com/attacksim/engine/internal/links"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
	0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
	0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
	0x01, 0x00, 0x3b,
}

const educationalMessage = "This was a phishing simulation! Never enter your real credentials on suspicious sites."

// EventRecorder is the funnel engine surface the handler needs.
type EventRecorder interface {
	RecordView(ctx context.Context, ev funnel.ViewEvent) (*funnel.RecordResult, error)
	RecordInteraction(ctx context.Context, ev funnel.InteractionEvent) (*funnel.RecordResult, error)
	RecordSubmission(ctx context.Context, ev funnel.SubmissionEvent) (*funnel.RecordResult, error)
	RecordReport(ctx context.Context, ev funnel.ReportEvent) (*funnel.RecordResult, error)
	RecordOpen(ctx context.Context, token string, meta funnel.ClientMeta) (*funnel.RecordResult, error)
	RecordClick(ctx context.Context, token string, meta funnel.ClientMeta) (*funnel.ClickResult, error)
}

// Capturer persists credential evidence.
type Capturer interface {
	Capture(ctx context.Context, sub capture.Submission) (*capture.Record, error)
}

// StatsReader answers dashboard queries.
type StatsReader interface {
	CampaignFunnel(ctx context.Context, campaignID uuid.UUID) (*analytics.CampaignFunnel, error)
}

// Handler is the HTTP boundary. Its contract with the tracked browser:
// correlation failures and duplicates are invisible, persistence failures
// are logged here (the one place) and still answered with the expected
// artifact. Only a structurally broken payload gets a client error.
type Handler struct {
	recorder EventRecorder
	captures Capturer
	stats    StatsReader
	links    *links.Builder
	dedup    *Deduper
}

// NewHandler creates a new tracking handler. dedup may be nil.
func NewHandler(recorder EventRecorder, captures Capturer, stats StatsReader, lb *links.Builder, dedup *Deduper) *Handler {
	return &Handler{recorder: recorder, captures: captures, stats: stats, links: lb, dedup: dedup}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/track/open/{token}", h.HandleOpen)
	r.Get("/track/click/{token}", h.HandleClick)
	r.Post("/track/report/{token}", h.HandleReport)
	r.Route("/api", func(r chi.Router) {
		r.Post("/track-view", h.HandleTrackView)
		r.Post("/track-interaction", h.HandleTrackInteraction)
		r.Post("/track-submission", h.HandleTrackSubmission)
		r.Post("/track-ignore", h.HandleTrackIgnore)
		r.Get("/campaign-stats/{campaignID}", h.HandleCampaignStats)
	})
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleOpen serves the open pixel. The pixel comes back no matter what
// happened internally.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	meta := clientMeta(r, "", "")

	if h.verified(token, r) && !h.seen(r, "open:"+token+":"+meta.IPAddress) {
		res, err := h.recorder.RecordOpen(r.Context(), token, meta)
		h.conceal("open", token, err)
		if err == nil && !res.Anonymous {
			log.Printf("OPEN token=%s first=%v", token, res.Applied)
		}
	}
	h.servePixel(w)
}

// HandleClick records the click and redirects to the simulation entry
// point, carrying the token forward. Always redirects.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	meta := clientMeta(r, "", "")

	dest := h.links.RedirectURL(token, nil)
	if h.verified(token, r) {
		res, err := h.recorder.RecordClick(r.Context(), token, meta)
		h.conceal("click", token, err)
		if err == nil && res.Campaign != nil {
			dest = h.links.RedirectURL(token, res.Campaign)
			log.Printf("CLICK token=%s campaign=%s first=%v", token, res.Campaign.ID, res.First)
		}
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

// HandleReport handles the "report phishing" action from the email client.
func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	_, err := h.recorder.RecordReport(r.Context(), funnel.ReportEvent{
		Token: token,
		Meta:  clientMeta(r, "", ""),
	})
	h.conceal("report", token, err)

	h.respondSuccess(w, "Thank you for reporting this phishing email!")
}

type eventPayload struct {
	TrackingToken string         `json:"tracking_token"`
	ScenarioID    string         `json:"scenario_id"`
	CampaignID    string         `json:"campaign_id"`
	CloneType     string         `json:"clone_type"`
	PageURL       string         `json:"page_url"`
	ClickedTarget string         `json:"clicked_target"`
	UserAgent     string         `json:"user_agent"`
	Referrer      string         `json:"referrer"`
	Email         string         `json:"email"`
	Username      string         `json:"username"`
	Password      string         `json:"password"`
	CredType      string         `json:"credential_type"`
	Extra         map[string]any `json:"additional_data"`
	TimeSpent     int            `json:"time_spent"`
	Feedback      string         `json:"feedback"`
}

// HandleTrackView records a clone/simulation page view.
func (h *Handler) HandleTrackView(w http.ResponseWriter, r *http.Request) {
	p, ok := h.decode(w, r)
	if !ok {
		return
	}
	meta := clientMeta(r, p.UserAgent, p.Referrer)

	if !isBot(meta.UserAgent) && !h.seen(r, "view:"+p.TrackingToken+":"+p.ScenarioID+":"+meta.IPAddress) {
		_, err := h.recorder.RecordView(r.Context(), funnel.ViewEvent{
			Token:      p.TrackingToken,
			ScenarioID: parseID(p.ScenarioID),
			CampaignID: parseID(p.CampaignID),
			CloneName:  p.CloneType,
			PageURL:    p.PageURL,
			Meta:       meta,
		})
		h.conceal("track-view", p.TrackingToken, err)
	}
	h.respondSuccess(w, "View tracked successfully")
}

// HandleTrackInteraction records in-page engagement.
func (h *Handler) HandleTrackInteraction(w http.ResponseWriter, r *http.Request) {
	p, ok := h.decode(w, r)
	if !ok {
		return
	}
	meta := clientMeta(r, p.UserAgent, p.Referrer)

	if !isBot(meta.UserAgent) {
		_, err := h.recorder.RecordInteraction(r.Context(), funnel.InteractionEvent{
			Token:         p.TrackingToken,
			ScenarioID:    parseID(p.ScenarioID),
			CampaignID:    parseID(p.CampaignID),
			CloneName:     p.CloneType,
			ClickedTarget: p.ClickedTarget,
			Meta:          meta,
		})
		h.conceal("track-interaction", p.TrackingToken, err)
	}
	h.respondSuccess(w, "Interaction tracked successfully")
}

// HandleTrackSubmission runs the two independent writes for a credential
// submission: the evidentiary capture and the funnel transition. Either may
// fail without taking the other down, and neither failure reaches the page.
func (h *Handler) HandleTrackSubmission(w http.ResponseWriter, r *http.Request) {
	p, ok := h.decode(w, r)
	if !ok {
		return
	}
	identifier := p.Email
	if identifier == "" {
		identifier = p.Username
	}
	if identifier == "" {
		// No identifier means a broken caller, not user behavior.
		h.respondJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "missing identifier",
		})
		return
	}
	meta := clientMeta(r, p.UserAgent, p.Referrer)

	_, err := h.captures.Capture(r.Context(), capture.Submission{
		CampaignID:     parseID(p.CampaignID),
		ScenarioID:     parseID(p.ScenarioID),
		Token:          p.TrackingToken,
		CredentialType: p.CredType,
		Identifier:     identifier,
		Secret:         p.Password,
		Extra:          p.Extra,
		CloneType:      p.CloneType,
		SourceURL:      p.PageURL,
		Meta:           meta,
	})
	h.conceal("capture", p.TrackingToken, err)

	_, err = h.recorder.RecordSubmission(r.Context(), funnel.SubmissionEvent{
		Token:      p.TrackingToken,
		ScenarioID: parseID(p.ScenarioID),
		CampaignID: parseID(p.CampaignID),
		CloneName:  p.CloneType,
		PageURL:    p.PageURL,
		FormData:   submissionSummary(identifier, p.CloneType, p.PageURL),
		Meta:       meta,
	})
	h.conceal("track-submission", p.TrackingToken, err)

	h.respondJSON(w, http.StatusOK, map[string]any{
		"success":             true,
		"message":             "Credentials submitted successfully",
		"educational_message": educationalMessage,
	})
}

// HandleTrackIgnore records that the user walked away from or reported the
// page without submitting.
func (h *Handler) HandleTrackIgnore(w http.ResponseWriter, r *http.Request) {
	p, ok := h.decode(w, r)
	if !ok {
		return
	}
	_, err := h.recorder.RecordReport(r.Context(), funnel.ReportEvent{
		Token:          p.TrackingToken,
		ScenarioID:     parseID(p.ScenarioID),
		ElapsedSeconds: p.TimeSpent,
		Feedback:       p.Feedback,
		Meta:           clientMeta(r, p.UserAgent, p.Referrer),
	})
	h.conceal("track-ignore", p.TrackingToken, err)

	h.respondSuccess(w, "Ignore action tracked")
}

// HandleCampaignStats is the dashboard read path. Unlike the event
// endpoints it is admin-facing, so real errors are allowed out.
func (h *Handler) HandleCampaignStats(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	f, err := h.stats.CampaignFunnel(r.Context(), campaignID)
	if err != nil {
		log.Printf("STATS ERROR campaign=%s: %v", campaignID, err)
		http.Error(w, "failed to get stats", http.StatusInternalServerError)
		return
	}
	if f == nil {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"success": true, "stats": f})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// conceal is the single place the swallow-and-log policy lives. Persistence
// failures get full correlation context for diagnosis; nothing propagates
// to the tracked page.
func (h *Handler) conceal(op, token string, err error) {
	if err == nil {
		return
	}
	switch funnel.KindOf(err) {
	case funnel.KindPersistence:
		log.Printf("TRACKING ERROR op=%s token=%s: %v", op, token, err)
	default:
		log.Printf("tracking: op=%s token=%s: %v", op, token, err)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (*eventPayload, bool) {
	var p eventPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.respondJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "invalid payload",
		})
		return nil, false
	}
	return &p, true
}

// verified checks the optional URL signature. A bad signature degrades to
// not recording; the expected artifact is still served.
func (h *Handler) verified(token string, r *http.Request) bool {
	return h.links == nil || h.links.Verify(token, r.URL.Query().Get("sig"))
}

func (h *Handler) seen(r *http.Request, key string) bool {
	return h.dedup.Duplicate(r.Context(), key)
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

func (h *Handler) respondSuccess(w http.ResponseWriter, msg string) {
	h.respondJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// submissionSummary is the sanitized form payload stored on the funnel
// record. Identifiers only; the secret never leaves the capture path, and
// there it is digested before persisting.
func submissionSummary(identifier, cloneType, pageURL string) string {
	b, err := json.Marshal(map[string]string{
		"identifier": identifier,
		"clone_type": cloneType,
		"page_url":   pageURL,
	})
	if err != nil {
		return "{}"
	}
	return string(b)
}

func parseID(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}
