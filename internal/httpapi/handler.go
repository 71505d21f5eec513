package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"localspot-loyalty/pkg/config"
	"localspot-loyalty/pkg/db/pagination"
	"localspot-loyalty/pkg/errutil"
	"localspot-loyalty/pkg/health"
	"localspot-loyalty/pkg/middleware"
	"localspot-loyalty/services/earn"
	"localspot-loyalty/services/insights"
	"localspot-loyalty/services/membership"
	"localspot-loyalty/services/program"
	"localspot-loyalty/services/provisioning"
	"localspot-loyalty/services/redemption"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewHandler, provideEngine),
)

type Handler struct {
	programs     *program.Service
	provisioning *provisioning.Service
	memberships  *membership.Service
	earn         *earn.Service
	redemptions  *redemption.Service
	insights     *insights.Service
	health       health.HealthService
}

type HandlerParams struct {
	fx.In
	Programs     *program.Service
	Provisioning *provisioning.Service
	Memberships  *membership.Service
	Earn         *earn.Service
	Redemptions  *redemption.Service
	Insights     *insights.Service
	Health       health.HealthService
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		programs:     p.Programs,
		provisioning: p.Provisioning,
		memberships:  p.Memberships,
		earn:         p.Earn,
		redemptions:  p.Redemptions,
		insights:     p.Insights,
		health:       p.Health,
	}
}

func provideEngine(cfg *config.Config, h *Handler) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	h.Register(r)
	return r
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health.Liveness)
	r.GET("/readyz", h.health.Readiness)

	v1 := r.Group("/v1")
	{
		v1.POST("/programs", h.createProgram)
		v1.GET("/programs/:publicID", h.getProgram)
		v1.POST("/programs/:publicID/join", h.join)
		v1.POST("/programs/:publicID/earn", h.earnStamp)

		biz := v1.Group("/businesses/:businessID")
		{
			biz.GET("/program", h.getBusinessProgram)
			biz.PATCH("/program", h.updateProgram)
			biz.POST("/program/submit", h.submitProgram)
			biz.POST("/program/pause", h.pauseProgram)
			biz.POST("/program/resume", h.resumeProgram)
			biz.GET("/loyalty/stats", h.stats)
			biz.GET("/loyalty/integrity", h.integrity)
			biz.GET("/redemptions/flagged", h.listFlagged)
		}

		v1.GET("/pass-requests", h.listPassRequests)
		v1.GET("/pass-requests/:requestID", h.getPassRequest)
		v1.POST("/pass-requests/:requestID/activate", h.activate)

		v1.GET("/memberships/:membershipID", h.getMembership)
		v1.GET("/memberships/:membershipID/history", h.history)
		v1.POST("/memberships/:membershipID/redeem", h.redeem)
		v1.POST("/memberships/:membershipID/deactivate", h.deactivate)

		v1.POST("/redemptions/:redemptionID/flag", h.flag)
	}
}

type createProgramRequest struct {
	BusinessID string `json:"business_id"`
	program.DraftInput
}

func (h *Handler) createProgram(c *gin.Context) {
	var req createProgramRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}
	if req.BusinessID == "" {
		c.Error(errutil.ValidationFailed("business_id is required"))
		return
	}

	p, err := h.programs.CreateDraft(c.Request.Context(), req.BusinessID, req.DraftInput)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) getProgram(c *gin.Context) {
	p, err := h.programs.GetByPublicID(c.Request.Context(), c.Param("publicID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) getBusinessProgram(c *gin.Context) {
	p, err := h.programs.GetByBusiness(c.Request.Context(), c.Param("businessID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) updateProgram(c *gin.Context) {
	var req program.SelfServiceUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	p, err := h.programs.UpdateSelfService(c.Request.Context(), c.Param("businessID"), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) submitProgram(c *gin.Context) {
	req, err := h.programs.Submit(c.Request.Context(), c.Param("businessID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *Handler) pauseProgram(c *gin.Context) {
	p, err := h.programs.Pause(c.Request.Context(), c.Param("businessID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) resumeProgram(c *gin.Context) {
	p, err := h.programs.Resume(c.Request.Context(), c.Param("businessID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) listPassRequests(c *gin.Context) {
	requests, err := h.provisioning.ListPending(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests})
}

func (h *Handler) getPassRequest(c *gin.Context) {
	r, err := h.provisioning.GetRequest(c.Request.Context(), c.Param("requestID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) activate(c *gin.Context) {
	var req provisioning.ActivateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}
	req.RequestID = c.Param("requestID")

	p, err := h.provisioning.Activate(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type joinRequest struct {
	WalletPassID string `json:"wallet_pass_id"`
	membership.Profile
}

func (h *Handler) join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}
	if req.WalletPassID == "" {
		c.Error(errutil.ValidationFailed("wallet_pass_id is required"))
		return
	}

	result, err := h.memberships.Join(c.Request.Context(), c.Param("publicID"), req.WalletPassID, req.Profile)
	if err != nil {
		c.Error(err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyMember {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (h *Handler) getMembership(c *gin.Context) {
	m, err := h.memberships.GetByID(c.Request.Context(), c.Param("membershipID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) history(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.Error(errutil.BadRequest("invalid pagination", errutil.WithErr(err)))
		return
	}

	result, err := h.earn.History(c.Request.Context(), c.Param("membershipID"), page)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) deactivate(c *gin.Context) {
	if err := h.memberships.Deactivate(c.Request.Context(), c.Param("membershipID")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

type earnRequest struct {
	WalletPassID string `json:"wallet_pass_id"`
	ProofToken   string `json:"proof_token"`
}

func (h *Handler) earnStamp(c *gin.Context) {
	var req earnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}
	if req.WalletPassID == "" || req.ProofToken == "" {
		c.Error(errutil.ValidationFailed("wallet_pass_id and proof_token are required"))
		return
	}

	result, err := h.earn.Earn(c.Request.Context(), c.Param("publicID"), req.WalletPassID, req.ProofToken)
	if err != nil {
		c.Error(err)
		return
	}

	// Audited rejections are not transport errors; the caller inspects the body.
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

func (h *Handler) redeem(c *gin.Context) {
	result, err := h.redemptions.Redeem(c.Request.Context(), c.Param("membershipID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type flagRequest struct {
	ReviewedBy string `json:"reviewed_by"`
	Reason     string `json:"reason"`
}

func (h *Handler) flag(c *gin.Context) {
	var req flagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	r, err := h.redemptions.Flag(c.Request.Context(), c.Param("redemptionID"), req.ReviewedBy, req.Reason)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) listFlagged(c *gin.Context) {
	flagged, err := h.redemptions.ListFlagged(c.Request.Context(), c.Param("businessID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"redemptions": flagged})
}

func (h *Handler) stats(c *gin.Context) {
	since := time.Now().AddDate(0, 0, -30)
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.Error(errutil.ValidationFailed("since must be RFC3339"))
			return
		}
		since = parsed
	}

	stats, err := h.insights.Stats(c.Request.Context(), c.Param("businessID"), since)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) integrity(c *gin.Context) {
	issues, err := h.insights.IntegrityCheck(c.Request.Context(), c.Param("businessID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues, "ok": len(issues) == 0})
}
