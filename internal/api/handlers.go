package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"discoursego/internal/models"
	"discoursego/internal/orchestrator"
	"discoursego/internal/service/assistant"
)

// Handler wires HTTP routes to the assistant service and the turn
// generation orchestrator.
type Handler struct {
	assistant *assistant.Service
	orch      *orchestrator.Orchestrator
	fileBase  string
	maxUpload int64
}

// NewHandler constructs a Handler instance.
func NewHandler(service *assistant.Service, orch *orchestrator.Orchestrator, fileBase string, maxUpload int64) *Handler {
	return &Handler{
		assistant: service,
		orch:      orch,
		fileBase:  fileBase,
		maxUpload: maxUpload,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/conversations", h.createConversation)
	api.GET("/conversations", h.listConversations)
	api.GET("/conversations/:id", h.getConversation)
	api.DELETE("/conversations/:id", h.deleteConversation)
	api.GET("/conversations/:id/turns", h.listTurns)
	api.POST("/conversations/:id/turns", h.generateTurn)
	api.GET("/conversations/:id/documents", h.listDocuments)
	api.POST("/conversations/:id/documents", h.uploadDocument)
	api.DELETE("/documents/:id", h.deleteDocument)
	api.GET("/personas", h.listPersonas)
	api.POST("/personas", h.createPersona)
	api.GET("/personas/:id", h.getPersona)
	api.PUT("/personas/:id", h.updatePersona)
	api.DELETE("/personas/:id", h.deletePersona)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var (
		validationErr *models.ValidationError
		notFoundErr   *models.NotFoundError
		providerErr   *models.ProviderError
	)
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Message})
	case errors.As(err, &notFoundErr):
		c.JSON(http.StatusNotFound, gin.H{"error": notFoundErr.Error()})
	case errors.As(err, &providerErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     providerErr.Error(),
			"retryable": providerErr.Retryable,
		})
	case errors.Is(err, orchestrator.ErrBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// Conversation endpoints.

func (h *Handler) createConversation(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	conversation, err := h.assistant.CreateConversation(c.Request.Context(), req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conversation)
}

func (h *Handler) listConversations(c *gin.Context) {
	conversations, err := h.assistant.ListConversations(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if conversations == nil {
		conversations = make([]models.Conversation, 0)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (h *Handler) getConversation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	conversation, err := h.assistant.GetConversation(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conversation)
}

func (h *Handler) deleteConversation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	paths, err := h.assistant.DeleteConversation(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	h.orch.InvalidateDocuments(id)
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			continue
		}
		_ = os.Remove(filepath.Dir(p))
	}
	c.Status(http.StatusNoContent)
}

// Turn endpoints.

func (h *Handler) listTurns(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	turns, err := h.assistant.ListTurns(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if turns == nil {
		turns = make([]models.Turn, 0)
	}
	c.JSON(http.StatusOK, gin.H{"turns": turns})
}

func (h *Handler) generateTurn(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Query     string `json:"query"`
		PersonaID *int64 `json:"persona_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	turn, err := h.orch.GenerateTurn(c.Request.Context(), id, req.Query, req.PersonaID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, turn)
}

// Document endpoints.

var allowedContentTypes = []string{
	"text/plain",
	"text/markdown",
	"text/csv",
	"text/html",
	"application/pdf",
	"application/json",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

func isAllowedContentType(ct string) bool {
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

func (h *Handler) uploadDocument(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := h.assistant.GetConversation(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size <= 0 {
		writeError(c, models.Invalidf("document is empty"))
		return
	}
	if file.Size > h.maxUpload {
		writeError(c, models.Invalidf("file exceeds the %d byte upload limit", h.maxUpload))
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	_ = f.Close()
	// Sniffing cannot tell office documents from their zip/ole containers,
	// so the declared type is consulted when the sniffed one is rejected.
	contentType := http.DetectContentType(buf[:n])
	if !isAllowedContentType(contentType) {
		declared := file.Header.Get("Content-Type")
		if !isAllowedContentType(declared) {
			writeError(c, models.Invalidf("unsupported file type"))
			return
		}
		contentType = declared
	}
	filename := filepath.Base(file.Filename)
	destDir, destPath, finalName := h.getUniqueFilePath(id, filename)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create directory failed"})
		return
	}
	if err := c.SaveUploadedFile(file, destPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}
	doc, err := h.assistant.RecordDocument(c.Request.Context(), id, finalName, destPath, contentType, file.Size)
	if err != nil {
		_ = os.Remove(destPath)
		writeError(c, err)
		return
	}
	h.orch.InvalidateDocuments(id)
	c.JSON(http.StatusCreated, doc)
}

func (h *Handler) listDocuments(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	docs, err := h.assistant.ListDocuments(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (h *Handler) deleteDocument(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ownerID, err := h.assistant.DocumentOwner(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	path, err := h.assistant.DeleteDocument(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	h.orch.InvalidateDocuments(ownerID)
	if path != "" {
		if err := os.Remove(path); err == nil {
			_ = os.Remove(filepath.Dir(path))
		}
	}
	c.Status(http.StatusNoContent)
}

// Persona endpoints.

type personaRequest struct {
	Name                string          `json:"name"`
	Provider            string          `json:"provider"`
	ModelID             string          `json:"model_id"`
	PersonaName         string          `json:"persona_name"`
	PersonaDescription  string          `json:"persona_description"`
	PersonaInstructions string          `json:"persona_instructions"`
	Temperature         *float64        `json:"temperature"`
	MaxTokens           *int            `json:"max_tokens"`
	TopP                *float64        `json:"top_p"`
	ProviderParameters  json.RawMessage `json:"provider_parameters"`
	IsActive            *bool           `json:"is_active"`
}

func (r *personaRequest) toPersona() (models.Persona, error) {
	p := models.Persona{
		Name:               r.Name,
		Provider:           r.Provider,
		ModelID:            r.ModelID,
		PersonaName:        r.PersonaName,
		PersonaDescription: r.PersonaDescription,
		PersonaInstruct:    r.PersonaInstructions,
		Temperature:        0.7,
		MaxTokens:          500,
		TopP:               1.0,
		IsActive:           true,
	}
	if r.Temperature != nil {
		p.Temperature = *r.Temperature
	}
	if r.MaxTokens != nil {
		p.MaxTokens = *r.MaxTokens
	}
	if r.TopP != nil {
		p.TopP = *r.TopP
	}
	if r.IsActive != nil {
		p.IsActive = *r.IsActive
	}
	params, err := assistant.ParseProviderParameters(r.ProviderParameters)
	if err != nil {
		return p, err
	}
	p.ProviderParameters = params
	return p, nil
}

func (h *Handler) createPersona(c *gin.Context) {
	var req personaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	persona, err := req.toPersona()
	if err != nil {
		writeError(c, err)
		return
	}
	created, err := h.assistant.CreatePersona(c.Request.Context(), persona)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) listPersonas(c *gin.Context) {
	activeOnly := c.Query("active_only") == "true"
	provider := strings.TrimSpace(c.Query("provider"))
	personas, err := h.assistant.ListPersonas(c.Request.Context(), activeOnly, provider)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"personas": personas})
}

func (h *Handler) getPersona(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	persona, err := h.assistant.GetPersona(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, persona)
}

func (h *Handler) updatePersona(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req personaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	persona, err := req.toPersona()
	if err != nil {
		writeError(c, err)
		return
	}
	updated, err := h.assistant.UpdatePersona(c.Request.Context(), id, persona)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) deletePersona(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.assistant.DeletePersona(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getFilePath(conversationID int64, filename string) (string, string) {
	destDir := filepath.Join(h.fileBase, strconv.FormatInt(conversationID, 10))
	destPath := filepath.Join(destDir, filename)
	return destDir, destPath
}

func (h *Handler) getUniqueFilePath(conversationID int64, filename string) (string, string, string) {
	destDir, destPath := h.getFilePath(conversationID, filename)
	if _, err := os.Stat(destPath); os.IsNotExist(err) {
		return destDir, destPath, filename
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for idx := 1; idx <= 1000; idx++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, idx, ext)
		dir, path := h.getFilePath(conversationID, candidate)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return dir, path, candidate
		}
	}
	fallback := fmt.Sprintf("%s-%d%s", base, time.Now().UnixNano(), ext)
	return destDir, filepath.Join(destDir, fallback), fallback
}
