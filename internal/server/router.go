package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/snapshots"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const identityContextKey = "modelroom_identity"

var (
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errMissingHub           = errors.New("hub dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenIssuer mints bearer tokens for collaboration clients.
type TokenIssuer interface {
	IssueToken(ctx context.Context, identity auth.Identity) (string, int64, error)
}

// SnapshotLister serves the read-only snapshot listing route.
type SnapshotLister interface {
	ListWorkspace(ctx context.Context, workspaceID string) ([]snapshots.ModelSnapshot, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	TokenIssuer TokenIssuer
	Hub         *Hub
	Snapshots   SnapshotLister
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router hosting the token endpoint, the
// health probe and the websocket upgrade.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenIssuer == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		issuer:    deps.TokenIssuer,
		hub:       deps.Hub,
		snapshots: deps.Snapshots,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/token", handler.handleIssueToken)
	router.GET("/collab/ws", handler.handleCollabSocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/workspaces/:workspace_id/snapshots", handler.handleListSnapshots)

	return router, nil
}

type httpHandler struct {
	issuer    TokenIssuer
	hub       *Hub
	snapshots SnapshotLister
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type tokenRequestPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// handleIssueToken stands in for the platform identity service: it exchanges
// a user identifier for a signed collaboration token.
func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.issuer.IssueToken(c.Request.Context(), auth.Identity{
		Subject:     strings.TrimSpace(request.UserID),
		DisplayName: strings.TrimSpace(request.DisplayName),
	})
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleCollabSocket(c *gin.Context) {
	h.hub.ServeConnection(c.Writer, c.Request)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.hub.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

type snapshotListItem struct {
	ModelID        string `json:"model_id"`
	Version        int64  `json:"version"`
	SavedAtSeconds int64  `json:"saved_at_s"`
}

func (h *httpHandler) handleListSnapshots(c *gin.Context) {
	if h.snapshots == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshots_unavailable"})
		return
	}
	records, err := h.snapshots.ListWorkspace(c.Request.Context(), c.Param("workspace_id"))
	if err != nil {
		h.logger.Error("snapshot listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}
	items := make([]snapshotListItem, 0, len(records))
	for _, record := range records {
		items = append(items, snapshotListItem{
			ModelID:        record.ModelID,
			Version:        record.Version,
			SavedAtSeconds: record.SavedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": items})
}
