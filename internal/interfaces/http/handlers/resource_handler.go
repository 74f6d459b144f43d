package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gatewarden/gatewarden/pkg/logger"
)

// ResourceHandler serves the sample mutating endpoints sitting behind the
// admission pipeline. The business logic is deliberately thin; its job is to
// produce observable, non-repeatable effects so replay behavior can be seen.
type ResourceHandler struct {
	mu        sync.Mutex
	profiles  map[string]profile
	documents map[string]document
	log       logger.Logger
}

type profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type document struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	SubmittedAt time.Time `json:"submittedAt,omitempty"`
}

// NewResourceHandler creates the sample resource handler.
func NewResourceHandler(log logger.Logger) *ResourceHandler {
	return &ResourceHandler{
		profiles:  make(map[string]profile),
		documents: make(map[string]document),
		log:       log.WithComponent("resources"),
	}
}

type createProfileRequest struct {
	Email string `json:"email" binding:"required,email"`
	Name  string `json:"name" binding:"required"`
}

// CreateProfile handles POST /v1/profiles.
func (h *ResourceHandler) CreateProfile(c *gin.Context) {
	var req createProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errorCode": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	p := profile{
		ID:        uuid.NewString(),
		Email:     req.Email,
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}

	h.mu.Lock()
	h.profiles[p.ID] = p
	h.mu.Unlock()

	h.log.Info(c.Request.Context(), "profile created", logger.String("profile_id", p.ID))
	c.JSON(http.StatusCreated, p)
}

type createDocumentRequest struct {
	Title string `json:"title" binding:"required"`
}

// CreateDocument handles POST /v1/documents.
func (h *ResourceHandler) CreateDocument(c *gin.Context) {
	var req createDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errorCode": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	d := document{
		ID:        uuid.NewString(),
		Title:     req.Title,
		Status:    "draft",
		CreatedAt: time.Now().UTC(),
	}

	h.mu.Lock()
	h.documents[d.ID] = d
	h.mu.Unlock()

	c.JSON(http.StatusCreated, d)
}

type submitForReviewRequest struct {
	DocumentID string `json:"documentId" binding:"required"`
}

// SubmitForReview handles POST /v1/documents/submit-for-review.
func (h *ResourceHandler) SubmitForReview(c *gin.Context) {
	var req submitForReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errorCode": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	h.mu.Lock()
	d, ok := h.documents[req.DocumentID]
	if ok {
		d.Status = "in_review"
		d.SubmittedAt = time.Now().UTC()
		h.documents[req.DocumentID] = d
	}
	h.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"errorCode": "DOCUMENT_NOT_FOUND", "message": "no such document"})
		return
	}

	c.JSON(http.StatusOK, d)
}
