package loanmanager

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"

	"github.com/mbd888/loanmanager/internal/auth"
	"github.com/mbd888/loanmanager/internal/pagination"
	"github.com/mbd888/loanmanager/internal/portfolio"
	"github.com/mbd888/loanmanager/internal/usdc"
	"github.com/mbd888/loanmanager/internal/validation"
)

// Handler provides HTTP endpoints for the portfolio.
type Handler struct {
	service *Service
	book    *LoanBook // nil when terms come from elsewhere
}

// NewHandler creates a new portfolio handler. book may be nil.
func NewHandler(service *Service, book *LoanBook) *Handler {
	return &Handler{service: service, book: book}
}

// RegisterRoutes sets up public (read-only) portfolio routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/portfolio")
	g.GET("", h.GetSummary)
	g.GET("/loans", h.ListLoans)
	g.GET("/loans/:id", h.GetLoan)
	g.GET("/vehicles/:vehicle", validation.VehicleParamMiddleware(), h.GetLoanByVehicle)
	g.GET("/schedule", h.GetSchedule)
	g.GET("/liquidations", h.ListLiquidations)
	g.GET("/liquidations/:id", h.GetLiquidation)
	g.GET("/events", h.ListEvents)

	// The vehicle proves itself by signature; no operator secret.
	g.POST("/claims", h.Claim)
}

// RegisterProtectedRoutes sets up authority routes. The group must carry
// auth.Middleware and auth.RequireRole.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	g := r.Group("/portfolio")
	g.POST("/vehicles/:vehicle/fund", validation.VehicleParamMiddleware(), h.Fund)
	g.POST("/vehicles/:vehicle/refinance", validation.VehicleParamMiddleware(), h.AcceptNewTerms)
	g.POST("/vehicles/:vehicle/default-warning", validation.VehicleParamMiddleware(), h.TriggerDefaultWarning)
	g.DELETE("/vehicles/:vehicle/default-warning", validation.VehicleParamMiddleware(), h.RemoveDefaultWarning)
	g.POST("/vehicles/:vehicle/liquidation", validation.VehicleParamMiddleware(), h.TriggerLiquidation)
	g.POST("/vehicles/:vehicle/liquidation/finish", validation.VehicleParamMiddleware(), h.FinishLiquidation)
	g.POST("/update-accounting", h.UpdateAccounting)
	g.GET("/check", h.Check)
	g.GET("/reconcile", h.Reconcile)

	if h.book != nil {
		g.PUT("/vehicles/:vehicle/terms", validation.VehicleParamMiddleware(), h.PutTerms)
		g.PUT("/vehicles/:vehicle/refinance-terms", validation.VehicleParamMiddleware(), h.PutRefinanceTerms)
	}
}

// actor maps the resolved operator role onto the pool authority.
func (h *Handler) actor(c *gin.Context) Actor {
	role := auth.RoleFrom(c)
	if role == auth.RoleNone {
		return Actor{}
	}
	return Actor{Address: h.service.Authority(), Governor: role == auth.RoleGovernor}
}

func vehicleParam(c *gin.Context) common.Address {
	return common.HexToAddress(c.Param("vehicle"))
}

// GetSummary handles GET /v1/portfolio?at=
func (h *Handler) GetSummary(c *gin.Context) {
	var at uint64
	if s := c.Query("at"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "at must be unix seconds",
			})
			return
		}
		at = v
	}

	sum, err := h.service.Summary(c.Request.Context(), at)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"summary": sum,
		"aumUsdc": usdc.Format(sum.AssetsUnderManagement),
	})
}

// ListLoans handles GET /v1/portfolio/loans?status=
func (h *Handler) ListLoans(c *gin.Context) {
	status := portfolio.Status(c.Query("status"))
	switch status {
	case "", portfolio.StatusPerforming, portfolio.StatusPastDue, portfolio.StatusWarned,
		portfolio.StatusLiquidating, portfolio.StatusRepaid:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "unknown status " + strconv.Quote(string(status)),
		})
		return
	}

	loans, err := h.service.Loans(c.Request.Context(), status)
	if err != nil {
		respondError(c, err)
		return
	}
	if loans == nil {
		loans = []portfolio.LoanRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"loans": loans,
		"count": len(loans),
	})
}

// GetLoan handles GET /v1/portfolio/loans/:id
func (h *Handler) GetLoan(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	loan, err := h.service.Loan(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loan": loan})
}

// GetLoanByVehicle handles GET /v1/portfolio/vehicles/:vehicle
func (h *Handler) GetLoanByVehicle(c *gin.Context) {
	loan, err := h.service.LoanByVehicle(c.Request.Context(), vehicleParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loan": loan})
}

// GetSchedule handles GET /v1/portfolio/schedule
func (h *Handler) GetSchedule(c *gin.Context) {
	entries, err := h.service.Schedule(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if entries == nil {
		entries = []ScheduleEntry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"schedule": entries,
		"count":    len(entries),
	})
}

// ListLiquidations handles GET /v1/portfolio/liquidations
func (h *Handler) ListLiquidations(c *gin.Context) {
	infos, err := h.service.Liquidations(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if infos == nil {
		infos = []portfolio.LiquidationInfo{}
	}
	c.JSON(http.StatusOK, gin.H{
		"liquidations": infos,
		"count":        len(infos),
	})
}

// GetLiquidation handles GET /v1/portfolio/liquidations/:id
func (h *Handler) GetLiquidation(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	info, err := h.service.Liquidation(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"liquidation": info})
}

// ListEvents handles GET /v1/portfolio/events?loan_id=&type=&cursor=&limit=
func (h *Handler) ListEvents(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}

	f := EventFilter{Type: EventType(c.Query("type")), Limit: limit + 1}
	if s := c.Query("loan_id"); s != "" {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "loan_id must be a positive integer",
			})
			return
		}
		f.LoanID = id
	}
	if cur := c.Query("cursor"); cur != "" {
		seq, err := pagination.Decode(cur)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": err.Error(),
			})
			return
		}
		f.AfterSeq = seq
	}

	events, err := h.service.Events(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	page, next, hasMore := pagination.ComputePage(events, limit, func(e *Event) int64 { return e.Seq })
	if page == nil {
		page = []*Event{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events":     page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// ClaimBody is the payload of POST /v1/portfolio/claims. Amounts are
// base-unit integer strings. Signature is the vehicle's EIP-191 signature
// over the auth.ClaimIntent built from the other fields.
type ClaimBody struct {
	Vehicle         string `json:"vehicle" binding:"required"`
	PrincipalPaid   string `json:"principalPaid"`
	InterestPaid    string `json:"interestPaid"`
	PreviousDueDate uint64 `json:"previousDueDate" binding:"required"`
	NewDueDate      uint64 `json:"newDueDate"`
	ExpiresAt       uint64 `json:"expiresAt"`
	Signature       string `json:"signature"`
}

// Intent is the message the vehicle signs for this claim.
func (b ClaimBody) Intent(pool common.Address) auth.ClaimIntent {
	return auth.ClaimIntent{
		Pool:            pool,
		Vehicle:         common.HexToAddress(b.Vehicle),
		PrincipalPaid:   unitsOrZero(b.PrincipalPaid).Dec(),
		InterestPaid:    unitsOrZero(b.InterestPaid).Dec(),
		PreviousDueDate: b.PreviousDueDate,
		NewDueDate:      b.NewDueDate,
		ExpiresAt:       b.ExpiresAt,
	}
}

// Claim handles POST /v1/portfolio/claims
func (h *Handler) Claim(c *gin.Context) {
	var req ClaimBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("vehicle", req.Vehicle),
		validation.ValidAddress("vehicle", req.Vehicle),
		validation.ValidUnits("principalPaid", req.PrincipalPaid),
		validation.ValidUnits("interestPaid", req.InterestPaid),
	); len(errs) > 0 {
		respondValidation(c, errs)
		return
	}

	if err := auth.VerifyClaim(req.Intent(h.service.Authority()), req.Signature, h.service.Now()); err != nil {
		status, code := http.StatusUnauthorized, "invalid_signature"
		if errors.Is(err, auth.ErrSignerMismatch) {
			status, code = http.StatusForbidden, "not_authorized"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	res, err := h.service.Claim(c.Request.Context(), common.HexToAddress(req.Vehicle), ClaimRequest{
		PrincipalPaid:   unitsOrZero(req.PrincipalPaid),
		InterestPaid:    unitsOrZero(req.InterestPaid),
		PreviousDueDate: req.PreviousDueDate,
		NewDueDate:      req.NewDueDate,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"loan":               res.Loan,
		"principalPaid":      res.PrincipalPaid,
		"recognizedInterest": res.RecognizedInterest,
		"fees": gin.H{
			"platform": res.Fees.Platform,
			"delegate": res.Fees.Delegate,
			"pool":     res.Fees.Pool,
		},
		"final":           res.Final,
		"resolvedWarning": res.ResolvedWarning,
	})
}

// Fund handles POST /v1/portfolio/vehicles/:vehicle/fund
func (h *Handler) Fund(c *gin.Context) {
	res, err := h.service.Fund(c.Request.Context(), h.actor(c), vehicleParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"loan": res.Loan})
}

// AcceptNewTerms handles POST /v1/portfolio/vehicles/:vehicle/refinance
func (h *Handler) AcceptNewTerms(c *gin.Context) {
	res, err := h.service.AcceptNewTerms(c.Request.Context(), h.actor(c), vehicleParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"loan":              res.Loan,
		"previousPrincipal": res.PreviousPrincipal,
		"refinanceInterest": res.RefinanceInterest,
	})
}

// TriggerDefaultWarning handles POST /v1/portfolio/vehicles/:vehicle/default-warning
func (h *Handler) TriggerDefaultWarning(c *gin.Context) {
	info, err := h.service.TriggerDefaultWarning(c.Request.Context(), h.actor(c), vehicleParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"liquidation": info})
}

// RemoveDefaultWarning handles DELETE /v1/portfolio/vehicles/:vehicle/default-warning
func (h *Handler) RemoveDefaultWarning(c *gin.Context) {
	loan, err := h.service.RemoveDefaultWarning(c.Request.Context(), h.actor(c), vehicleParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loan": loan})
}

// TriggerLiquidation handles POST /v1/portfolio/vehicles/:vehicle/liquidation
func (h *Handler) TriggerLiquidation(c *gin.Context) {
	info, err := h.service.TriggerCollateralLiquidation(c.Request.Context(), h.actor(c), vehicleParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"liquidation": info})
}

// FinishLiquidationBody is the payload of the liquidation finish call.
type FinishLiquidationBody struct {
	Recovered string `json:"recovered"`
}

// FinishLiquidation handles POST /v1/portfolio/vehicles/:vehicle/liquidation/finish
func (h *Handler) FinishLiquidation(c *gin.Context) {
	var req FinishLiquidationBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(validation.ValidUnits("recovered", req.Recovered)); len(errs) > 0 {
		respondValidation(c, errs)
		return
	}

	res, err := h.service.FinishCollateralLiquidation(c.Request.Context(), h.actor(c), vehicleParam(c), unitsOrZero(req.Recovered))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"loan":            res.Loan,
		"recovered":       res.Recovered,
		"remainingLosses": res.RemainingLosses,
		"platformFees":    res.PlatformFees,
	})
}

// UpdateAccounting handles POST /v1/portfolio/update-accounting
func (h *Handler) UpdateAccounting(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.service.UpdateAccounting(ctx, h.actor(c)); err != nil {
		respondError(c, err)
		return
	}
	sum, err := h.service.Summary(ctx, 0)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": sum})
}

// Check handles GET /v1/portfolio/check
func (h *Handler) Check(c *gin.Context) {
	if err := h.service.Check(c.Request.Context()); err != nil {
		if errors.Is(err, ErrUnavailable) || errors.Is(err, context.Canceled) {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Reconcile handles GET /v1/portfolio/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.service.Reconcile(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// TermsBody is the payload of PUT .../terms and .../refinance-terms.
type TermsBody struct {
	Principal         string `json:"principal"`
	NextInterest      string `json:"nextInterest"`
	RefinanceInterest string `json:"refinanceInterest"`
	NextDueDate       uint64 `json:"nextDueDate" binding:"required"`
}

func (h *Handler) bindTerms(c *gin.Context) (TermsBody, bool) {
	var req TermsBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return req, false
	}
	if errs := validation.Validate(
		validation.ValidUnits("principal", req.Principal),
		validation.ValidUnits("nextInterest", req.NextInterest),
		validation.ValidUnits("refinanceInterest", req.RefinanceInterest),
	); len(errs) > 0 {
		respondValidation(c, errs)
		return req, false
	}
	return req, true
}

// PutTerms handles PUT /v1/portfolio/vehicles/:vehicle/terms
func (h *Handler) PutTerms(c *gin.Context) {
	req, ok := h.bindTerms(c)
	if !ok {
		return
	}
	terms := LoanTerms{
		Vehicle:      vehicleParam(c),
		Principal:    unitsOrZero(req.Principal),
		NextInterest: unitsOrZero(req.NextInterest),
		NextDueDate:  req.NextDueDate,
	}
	h.book.SetTerms(terms)
	c.JSON(http.StatusOK, gin.H{"terms": terms})
}

// PutRefinanceTerms handles PUT /v1/portfolio/vehicles/:vehicle/refinance-terms
func (h *Handler) PutRefinanceTerms(c *gin.Context) {
	req, ok := h.bindTerms(c)
	if !ok {
		return
	}
	quote := RefinanceQuote{
		Vehicle:           vehicleParam(c),
		Principal:         unitsOrZero(req.Principal),
		RefinanceInterest: unitsOrZero(req.RefinanceInterest),
		NextInterest:      unitsOrZero(req.NextInterest),
		NextDueDate:       req.NextDueDate,
	}
	h.book.SetRefinanceTerms(quote)
	c.JSON(http.StatusOK, gin.H{"refinanceTerms": quote})
}

func idParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

// unitsOrZero parses an already validated amount.
func unitsOrZero(s string) *uint256.Int {
	if s == "" {
		return new(uint256.Int)
	}
	v, ok := usdc.ParseUnits(s)
	if !ok {
		return new(uint256.Int)
	}
	return v
}

func respondValidation(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// respondError maps service and ledger errors onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, portfolio.ErrNotAuthorized):
		return http.StatusForbidden, "not_authorized"
	case errors.Is(err, portfolio.ErrNotLoan):
		return http.StatusForbidden, "not_loan"
	case errors.Is(err, portfolio.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrNoTerms):
		return http.StatusNotFound, "no_terms"
	case errors.Is(err, portfolio.ErrArithmeticOverflow), errors.Is(err, portfolio.ErrArithmeticUnderflow):
		return http.StatusUnprocessableEntity, "arithmetic"
	case errors.Is(err, portfolio.ErrInvalidLoan):
		return http.StatusUnprocessableEntity, "invalid_loan"
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrPersistence):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
