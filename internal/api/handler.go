package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"access-service/internal/models"
	"access-service/internal/saga"
	"access-service/internal/service"
	"access-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	redemptions  *service.RedemptionService
	assignments  *service.AssignmentService
	provisioning *service.ProvisioningService
	policies     *service.PolicyService
	requests     *service.RequestService
}

// NewHandler creates a new HTTP handler
func NewHandler(
	redemptions *service.RedemptionService,
	assignments *service.AssignmentService,
	provisioning *service.ProvisioningService,
	policies *service.PolicyService,
	requests *service.RequestService,
) *Handler {
	return &Handler{
		redemptions:  redemptions,
		assignments:  assignments,
		provisioning: provisioning,
		policies:     policies,
		requests:     requests,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/redemptions", h.redeem)
		v1.GET("/redemptions/:id", h.getTransaction)

		v1.POST("/assignments", h.allocate)
		v1.POST("/assignments/bulk", h.bulkAllocate)
		v1.GET("/assignments/:id", h.getAssignment)
		v1.POST("/assignments/:id/accept", h.acceptAssignment)
		v1.POST("/assignments/:id/cancel", h.cancelAssignment)

		v1.GET("/workflows/:id", h.getWorkflowRun)

		v1.POST("/requests", h.submitRequest)
		v1.GET("/requests/:id", h.getRequest)
		v1.POST("/requests/:id/approve", h.approveRequest)
		v1.POST("/requests/:id/decline", h.declineRequest)
		v1.POST("/requests/:id/cancel", h.cancelRequest)

		v1.POST("/policies", h.createPolicy)
		v1.GET("/policies/:id", h.getPolicy)
		v1.PATCH("/policies/:id", h.updatePolicy)
		v1.GET("/policies/:id/budget", h.getPolicyBudget)
		v1.GET("/policies/:id/assignments", h.listPolicyAssignments)
		v1.GET("/policies/:id/requests", h.listPolicyRequests)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// redeem handles redemption requests
func (h *Handler) redeem(c *gin.Context) {
	var req service.RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.redemptions.Redeem(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getTransaction handles get transaction by ID
func (h *Handler) getTransaction(c *gin.Context) {
	txn, err := h.redemptions.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

// allocate handles single assignment allocation
func (h *Handler) allocate(c *gin.Context) {
	var req service.AllocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	assignment, err := h.assignments.Allocate(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, assignment)
}

// bulkAllocate starts a bulk allocation workflow run
func (h *Handler) bulkAllocate(c *gin.Context) {
	var req service.BulkAllocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	run, err := h.provisioning.BulkAllocate(c.Request.Context(), &req)
	if err != nil && run == nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, workflowRunResponse(run))
}

// getAssignment handles get assignment by ID
func (h *Handler) getAssignment(c *gin.Context) {
	assignment, err := h.assignments.GetAssignment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, assignment)
}

// acceptAssignment records learner acceptance
func (h *Handler) acceptAssignment(c *gin.Context) {
	assignment, err := h.assignments.Accept(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, assignment)
}

// cancelAssignment withdraws an assignment
func (h *Handler) cancelAssignment(c *gin.Context) {
	assignment, err := h.assignments.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, assignment)
}

// getWorkflowRun reports the state of a bulk allocation run
func (h *Handler) getWorkflowRun(c *gin.Context) {
	run, err := h.provisioning.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, workflowRunResponse(run))
}

// submitRequest records a learner access request for admin review
func (h *Handler) submitRequest(c *gin.Context) {
	var req service.SubmitRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	request, err := h.requests.Submit(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, request)
}

// getRequest handles get access request by ID
func (h *Handler) getRequest(c *gin.Context) {
	request, err := h.requests.GetRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, request)
}

// approveRequest grants an access request, allocating an assignment
func (h *Handler) approveRequest(c *gin.Context) {
	request, err := h.requests.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, request)
}

// declineRequest refuses an access request with a reason
func (h *Handler) declineRequest(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	request, err := h.requests.Decline(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, request)
}

// cancelRequest withdraws an access request before review
func (h *Handler) cancelRequest(c *gin.Context) {
	request, err := h.requests.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, request)
}

// listPolicyRequests lists access requests under a policy
func (h *Handler) listPolicyRequests(c *gin.Context) {
	requests, err := h.requests.ListByPolicy(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests})
}

// createPolicy handles policy creation
func (h *Handler) createPolicy(c *gin.Context) {
	var req service.CreatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	policy, err := h.policies.CreatePolicy(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, policy)
}

// getPolicy handles get policy by ID
func (h *Handler) getPolicy(c *gin.Context) {
	policy, err := h.policies.GetPolicy(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

// updatePolicy handles policy limit and activation changes
func (h *Handler) updatePolicy(c *gin.Context) {
	var req service.UpdatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	policy, err := h.policies.UpdatePolicy(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

// getPolicyBudget reports local totals and the ledger snapshot for a policy
func (h *Handler) getPolicyBudget(c *gin.Context) {
	budget, err := h.policies.GetBudget(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, budget)
}

// listPolicyAssignments lists assignments under a policy
func (h *Handler) listPolicyAssignments(c *gin.Context) {
	assignments, err := h.assignments.ListByPolicy(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments": assignments})
}

func workflowRunResponse(run *saga.Run) gin.H {
	resp := gin.H{
		"run_id": run.ID,
		"name":   run.Name,
		"state":  run.State,
		"cursor": run.Cursor,
	}
	if run.Error != "" {
		resp["error"] = run.Error
	}
	return resp
}

// writeError maps domain errors to HTTP statuses
func writeError(c *gin.Context, err error) {
	var (
		denied         *models.PolicyDeniedError
		validation     *models.ValidationError
		invalid        *models.InvalidStateTransitionError
		invalidRequest *models.InvalidRequestTransitionError
		external       *models.ExternalServiceError
		failed         *models.RedemptionFailedError
	)

	switch {
	case errors.As(err, &denied):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "Policy denied",
			"reason": denied.Reason,
		})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": validation.Error(),
		})
	case models.IsConcurrencyConflict(err):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Concurrent update, retry",
			"details": err.Error(),
		})
	case errors.As(err, &invalid):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Invalid state transition",
			"details": invalid.Error(),
		})
	case errors.As(err, &invalidRequest):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Invalid state transition",
			"details": invalidRequest.Error(),
		})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Not found",
		})
	case errors.As(err, &failed):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "Redemption failed",
			"details": failed.Error(),
		})
	case errors.As(err, &external):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "Upstream unavailable",
			"details": external.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Internal error",
			"details": err.Error(),
		})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}

		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).
			Observe(time.Since(start).Seconds())
	}
}
