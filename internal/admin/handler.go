package admin

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"vouch/internal/platform/config"
	"vouch/internal/verification/models"
	"vouch/pkg/platform/httputil"
	adminmw "vouch/pkg/platform/middleware/admin"
)

// Handler wires the admin command surface onto the router. The caller is
// expected to mount it behind the admin auth middleware.
type Handler struct {
	service *Service
	cfg     config.Pipeline
}

// NewHandler constructs the admin handler over the given service and config
// snapshot.
func NewHandler(service *Service, cfg config.Pipeline) *Handler {
	return &Handler{service: service, cfg: cfg}
}

// Register mounts admin endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/admin/verifications/flagged", h.HandleFlagged)
	r.Get("/admin/verifications/{refereeID}", h.HandleGet)
	r.Get("/admin/verifications/{refereeID}/fraud", h.HandleFraudDetails)
	r.Post("/admin/verifications/{refereeID}/approve", h.HandleApprove)
	r.Post("/admin/verifications/{refereeID}/block", h.HandleBlock)
	r.Post("/admin/verifications/{refereeID}/reset", h.HandleReset)
	r.Post("/admin/verifications/{refereeID}/rescore", h.HandleRescore)
	r.Get("/admin/referrers/{referrerID}/stats", h.HandleGetStats)
	r.Patch("/admin/referrers/{referrerID}/stats", h.HandleUpdateStats)
	r.Post("/admin/referrers/{referrerID}/rewards", h.HandleAdjustRewards)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	actor := adminmw.GetActor(r.Context())
	rec, err := h.service.GetVerification(r.Context(), actor, chi.URLParam(r, "refereeID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromVerification(rec))
}

func (h *Handler) HandleFlagged(w http.ResponseWriter, r *http.Request) {
	actor := adminmw.GetActor(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	recs, err := h.service.GetFlaggedUsers(r.Context(), actor, limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	users := make([]*VerificationResponse, len(recs))
	for i, rec := range recs {
		users[i] = FromVerification(rec)
	}
	httputil.WriteJSON(w, http.StatusOK, FlaggedListResponse{Users: users, Total: len(users)})
}

func (h *Handler) HandleFraudDetails(w http.ResponseWriter, r *http.Request) {
	actor := adminmw.GetActor(r.Context())
	details, err := h.service.GetFraudDetails(r.Context(), actor, chi.URLParam(r, "refereeID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FraudDetailsResponse{
		Record:  FromVerification(details.Record),
		History: details.History,
	})
}

type commandFn func(ctx context.Context, actor adminmw.Actor, refereeID, reason string, cfg config.Pipeline) (*models.Verification, error)

// command handles the shared decode-execute-respond shape of block and
// reset, which both carry a mandatory reason.
func (h *Handler) command(w http.ResponseWriter, r *http.Request, fn commandFn) {
	actor := adminmw.GetActor(r.Context())
	var req CommandRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	rec, err := fn(r.Context(), actor, chi.URLParam(r, "refereeID"), req.Reason, h.cfg)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromVerification(rec))
}

func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	actor := adminmw.GetActor(r.Context())
	var req ApproveRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	rec, err := h.service.Approve(r.Context(), actor, chi.URLParam(r, "refereeID"), req.Notes, h.cfg)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromVerification(rec))
}

func (h *Handler) HandleBlock(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.service.Block)
}

func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.service.Reset)
}

func (h *Handler) HandleRescore(w http.ResponseWriter, r *http.Request) {
	actor := adminmw.GetActor(r.Context())
	score, err := h.service.RecalculateFraudScore(r.Context(), actor, chi.URLParam(r, "refereeID"), h.cfg)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, score)
}

func (h *Handler) HandleGetStats(w http.ResponseWriter, r *http.Request) {
	actor := adminmw.GetActor(r.Context())
	st, err := h.service.GetStats(r.Context(), actor, chi.URLParam(r, "referrerID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromStats(st))
}

func (h *Handler) HandleUpdateStats(w http.ResponseWriter, r *http.Request) {
	actor := adminmw.GetActor(r.Context())
	var req UpdateStatsRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	override := req.Override()
	st, err := h.service.UpdateStats(r.Context(), actor, chi.URLParam(r, "referrerID"), override, req.Reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, UpdateStatsResponse{
		Stats:         FromStats(st),
		UpdatedFields: override.Fields(),
	})
}

func (h *Handler) HandleAdjustRewards(w http.ResponseWriter, r *http.Request) {
	actor := adminmw.GetActor(r.Context())
	var req AdjustRewardsRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	st, err := h.service.AdjustRewards(r.Context(), actor, chi.URLParam(r, "referrerID"), req.Delta, req.Reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromStats(st))
}
