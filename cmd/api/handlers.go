package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/audit"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/extract"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/gate"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/generate"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/ledger"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/middleware"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/settlement"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/storage"
	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	operationIDHeader    = "X-Operation-ID"

	defaultUsageLimit = 20
	maxUsageLimit     = 100

	// Room for multipart boundaries and headers on top of the file itself
	multipartOverhead = 1 << 20
)

// CreditService reads balances and usage history
type CreditService interface {
	Balance(ctx context.Context, userID string) (*ledger.Balance, error)
	Usage(ctx context.Context, userID string, limit int) ([]models.UsageLogEntry, error)
}

// API holds the handler dependencies
type API struct {
	gate       *gate.Gate
	ledger     CreditService
	settlement *settlement.Hook
	generator  generate.Generator
	resumes    storage.ResumeStore
	audit      *audit.Log
	logger     *logging.Logger
	checks     map[string]func(context.Context) error
}

type analyzeRequest struct {
	Resume         string `json:"resume" binding:"required,max=50000"`
	JobDescription string `json:"job_description" binding:"max=20000"`
}

type optimizeRequest struct {
	Resume         string            `json:"resume" binding:"required,max=50000"`
	JobDescription string            `json:"job_description" binding:"required,max=20000"`
	Template       models.TemplateID `json:"template"`
}

// streamEvent is one NDJSON line of a generation response
type streamEvent struct {
	Type        string          `json:"type"` // partial, final or error
	Data        json.RawMessage `json:"data,omitempty"`
	OperationID string          `json:"operation_id,omitempty"`
	Error       string          `json:"error,omitempty"`
	Code        string          `json:"code,omitempty"`
}

// Health check endpoint
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status, healthy := gin.H{}, true
	for name, check := range api.checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":     "unhealthy",
			"components": status,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"components": status,
	})
}

// analyzeResume scores a resume against an optional job description
// POST /api/v1/resumes/analyze
func (api *API) analyzeResume(c *gin.Context) {
	auth, ok := authorized(c)
	if !ok {
		return
	}

	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.rejectInput(c, auth, models.ActionAnalyze, err.Error())
		return
	}

	api.stream(c, auth, models.ActionAnalyze, analyzeCredits, "", req)
}

// optimizeResume rewrites a resume for a job description and template
// POST /api/v1/resumes/optimize
func (api *API) optimizeResume(c *gin.Context) {
	auth, ok := authorized(c)
	if !ok {
		return
	}

	var req optimizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.rejectInput(c, auth, models.ActionOptimize, err.Error())
		return
	}

	if req.Template == "" {
		req.Template = models.TemplateClassic
	}
	if !models.TierPro.AllowsTemplate(req.Template) {
		api.rejectInput(c, auth, models.ActionOptimize, "unknown template "+string(req.Template))
		return
	}
	if !auth.Tier.AllowsTemplate(req.Template) {
		api.audit.RecordValidationFailure(c.Request.Context(), auth.UserID, models.ActionOptimize, "template not allowed: "+string(req.Template))
		c.JSON(http.StatusForbidden, gin.H{
			"error":           "Template not available on your plan",
			"code":            "TEMPLATE_NOT_ALLOWED",
			"upgradeRequired": true,
		})
		return
	}

	api.stream(c, auth, models.ActionOptimize, optimizeCredits, req.Template, req)
}

// stream runs one generation and relays it as NDJSON. The operation is
// charged only when the final object has been produced.
func (api *API) stream(c *gin.Context, auth *gate.AuthorizedContext, action models.Action, credits int, template models.TemplateID, input interface{}) {
	ctx := c.Request.Context()

	payload, err := json.Marshal(input)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encode request", "code": "INTERNAL_ERROR"})
		return
	}

	op := api.settlement.Begin(auth, credits, action, c.GetHeader(idempotencyKeyHeader))
	op.Metadata = models.Metadata{"request_id": c.GetString("request_id")}
	if template != "" {
		op.Metadata["template"] = string(template)
	}
	logger := api.logger.WithOperationID(op.ID).WithUserID(auth.UserID)

	if err := api.settlement.Claim(ctx, op); err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error": "An operation with this idempotency key is running or has completed",
			"code":  "DUPLICATE_OPERATION",
		})
		return
	}

	chunks, err := api.generator.Stream(ctx, generate.Request{
		Action:   action,
		UserID:   auth.UserID,
		Template: template,
		Input:    payload,
	})
	if err != nil {
		if ctx.Err() != nil {
			api.settlement.Abort(op)
			return
		}
		api.settlement.Fail(op, err)
		logger.ErrorWithErr("Failed to start generation", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Generation service unavailable", "code": "GENERATION_FAILED"})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header(operationIDHeader, op.ID)
	c.Status(http.StatusOK)

	enc := json.NewEncoder(c.Writer)
	send := func(event streamEvent) {
		if err := enc.Encode(event); err != nil {
			logger.Debugf("Failed to write stream event: %v", err)
			return
		}
		c.Writer.Flush()
	}

	outcome := api.settlement.Run(ctx, op, chunks, func(partial json.RawMessage) {
		send(streamEvent{Type: "partial", Data: partial})
	})

	switch outcome.Status {
	case generate.StatusSucceeded:
		send(streamEvent{Type: "final", Data: outcome.Result, OperationID: op.ID})
	case generate.StatusFailed:
		logger.WarnWithErr("Generation failed", outcome.Err)
		send(streamEvent{Type: "error", Error: "Generation failed", Code: "GENERATION_FAILED"})
	}
}

// uploadResume stores a resume file and returns its extracted text
// POST /api/v1/resumes/upload
func (api *API) uploadResume(c *gin.Context) {
	auth, ok := authorized(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	maxSize := auth.Tier.Config().MaxFileSize

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize+multipartOverhead)
	file, err := c.FormFile("resume")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.rejectTooLarge(c, auth, maxSize)
			return
		}
		api.rejectInput(c, auth, models.ActionUpload, "no resume file provided")
		return
	}
	if file.Size > maxSize {
		api.rejectTooLarge(c, auth, maxSize)
		return
	}

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file", "code": "VALIDATION_ERROR"})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file", "code": "VALIDATION_ERROR"})
		return
	}

	doc, err := extract.Extract(ctx, file.Filename, data)
	switch {
	case errors.Is(err, extract.ErrUnsupportedFormat):
		api.audit.RecordValidationFailure(ctx, auth.UserID, models.ActionUpload, err.Error())
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error":     "Unsupported file format",
			"code":      "UNSUPPORTED_FORMAT",
			"supported": extract.SupportedExtensions(),
		})
		return
	case err != nil:
		api.audit.RecordValidationFailure(ctx, auth.UserID, models.ActionUpload, err.Error())
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Could not read text from the document", "code": "UNREADABLE_DOCUMENT"})
		return
	}

	obj, err := api.resumes.StoreResume(ctx, auth.UserID, file.Filename, data)
	if err != nil {
		api.logger.WithUserID(auth.UserID).ErrorWithErr("Failed to store resume", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Storage unavailable", "code": "STORAGE_UNAVAILABLE"})
		return
	}

	// Uploads are free; the settlement only records the usage entry
	if err := api.settlement.Settle(ctx, auth.UserID, 0, models.ActionUpload, models.Metadata{
		"key":    obj.Key,
		"format": string(doc.Format),
		"size":   obj.Size,
		"pages":  doc.Pages,
	}); err != nil {
		api.logger.WithUserID(auth.UserID).WarnWithErr("Upload usage not recorded", err)
	}
	metrics.RecordUpload(auth.Tier.String(), obj.Size)

	c.JSON(http.StatusCreated, gin.H{
		"key":        obj.Key,
		"format":     doc.Format,
		"size":       obj.Size,
		"pages":      doc.Pages,
		"word_count": doc.WordCount,
		"text":       doc.Text,
	})
}

// resumeURL returns a short-lived download link for one of the caller's
// resumes
// GET /api/v1/resumes/url?key=resumes/<user>/<id>.pdf
func (api *API) resumeURL(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	key := c.Query("key")
	if key == "" || !storage.OwnsKey(userID, key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Resume not found", "code": "NOT_FOUND"})
		return
	}

	url, err := api.resumes.GetURL(c.Request.Context(), key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Resume not found", "code": "NOT_FOUND"})
		return
	}
	if err != nil {
		api.logger.WithUserID(userID).ErrorWithErr("Failed to sign resume URL", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Storage unavailable", "code": "STORAGE_UNAVAILABLE"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"key":        key,
		"url":        url,
		"expires_in": int(storage.URLExpiry.Seconds()),
	})
}

// deleteResumes removes one resume when key is given, otherwise all of the
// caller's resumes
// DELETE /api/v1/resumes[?key=...]
func (api *API) deleteResumes(c *gin.Context) {
	ctx := c.Request.Context()
	userID, _ := middleware.GetUserID(c)
	logger := api.logger.WithUserID(userID)

	if key := c.Query("key"); key != "" {
		if !storage.OwnsKey(userID, key) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Resume not found", "code": "NOT_FOUND"})
			return
		}
		if err := api.resumes.Delete(ctx, key); err != nil {
			logger.ErrorWithErr("Failed to delete resume", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Storage unavailable", "code": "STORAGE_UNAVAILABLE"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": 1})
		return
	}

	deleted, err := api.resumes.DeleteUserResumes(ctx, userID)
	if err != nil {
		logger.ErrorWithErr("Failed to delete resumes", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Storage unavailable", "code": "STORAGE_UNAVAILABLE"})
		return
	}
	logger.Infof("Deleted %d resumes", deleted)
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// listTemplates returns every template and whether the caller may use it
// GET /api/v1/templates
func (api *API) listTemplates(c *gin.Context) {
	auth, ok := authorized(c)
	if !ok {
		return
	}

	templates := []gin.H{}
	for _, id := range models.TierPro.Config().AllowedTemplates {
		templates = append(templates, gin.H{
			"id":      id,
			"allowed": auth.Tier.AllowsTemplate(id),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"tier":      auth.Tier,
		"templates": templates,
	})
}

// getCredits returns the caller's balance
// GET /api/v1/credits
func (api *API) getCredits(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	balance, err := api.ledger.Balance(c.Request.Context(), userID)
	if errors.Is(err, models.ErrProfileNotFound) {
		// Same treatment as the gate: no profile means free tier, no credits
		perMonth := models.TierFree.Config().CreditsPerMonth
		balance = &ledger.Balance{
			Tier:            models.TierFree,
			CreditsPerMonth: models.CreditsValue{Amount: perMonth},
		}
		err = nil
	}
	if err != nil {
		api.logger.WithUserID(userID).ErrorWithErr("Failed to load balance", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Credits unavailable", "code": gate.CodeCreditsUnavailable})
		return
	}

	c.JSON(http.StatusOK, balance)
}

// getUsage lists the caller's recent usage entries
// GET /api/v1/usage?limit=20
func (api *API) getUsage(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	limit := defaultUsageLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxUsageLimit {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "limit must be between 1 and " + strconv.Itoa(maxUsageLimit),
				"code":  "VALIDATION_ERROR",
			})
			return
		}
		limit = parsed
	}

	entries, err := api.ledger.Usage(c.Request.Context(), userID, limit)
	if err != nil {
		api.logger.WithUserID(userID).ErrorWithErr("Failed to list usage", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Usage unavailable", "code": "USAGE_UNAVAILABLE"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

func (api *API) rejectInput(c *gin.Context, auth *gate.AuthorizedContext, action models.Action, reason string) {
	api.audit.RecordValidationFailure(c.Request.Context(), auth.UserID, action, reason)
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request",
		"code":    "VALIDATION_ERROR",
		"details": reason,
	})
}

func (api *API) rejectTooLarge(c *gin.Context, auth *gate.AuthorizedContext, maxSize int64) {
	api.audit.RecordValidationFailure(c.Request.Context(), auth.UserID, models.ActionUpload, "file too large")
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"error":           "File too large for your plan",
		"code":            "FILE_TOO_LARGE",
		"maxFileSize":     maxSize,
		"upgradeRequired": !auth.Tier.HasUnlimitedCredits(),
	})
}

// authorized returns the context stored by gate.Require
func authorized(c *gin.Context) (*gate.AuthorizedContext, bool) {
	auth, ok := gate.FromContext(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Request was not admitted", "code": "INTERNAL_ERROR"})
		return nil, false
	}
	return auth, true
}
