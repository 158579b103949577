package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/comment-relay/internal/protocol"
	"github.com/MarcoPoloResearchLab/comment-relay/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	errMissingHub      = errors.New("realtime hub dependency required")
	errMissingComments = errors.New("comment lister dependency required")
	errMissingOrigins  = errors.New("origin policy dependency required")
)

// CommentLister reads the stored comments of a product.
type CommentLister interface {
	ListComments(ctx context.Context, productID string) ([]protocol.CommentData, error)
}

type Dependencies struct {
	Hub      *realtime.Hub
	Comments CommentLister
	Origins  *realtime.OriginPolicy
	Logger   *zap.Logger
}

// NewHTTPHandler routes websocket upgrades to the hub and serves the
// supporting HTTP endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Comments == nil {
		return nil, errMissingComments
	}
	if deps.Origins == nil {
		return nil, errMissingOrigins
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	// Malformed websocket paths must reach the hub so it can close with a
	// protocol error instead of answering with a redirect.
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(gin.Recovery())

	handler := &httpHandler{
		hub:      deps.Hub,
		comments: deps.Comments,
		logger:   logger,
	}

	router.GET("/ws/*path", gin.WrapH(deps.Hub))
	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	products := router.Group("/products")
	products.Use(cors.New(cors.Config{
		AllowOriginFunc: deps.Origins.Allows,
		AllowMethods:    []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:    []string{"Content-Type"},
		MaxAge:          12 * time.Hour,
	}))
	products.GET("/:productId/comments", handler.handleListComments)

	router.NoRoute(handler.handleNoRoute)

	return router, nil
}

type httpHandler struct {
	hub      *realtime.Hub
	comments CommentLister
	logger   *zap.Logger
}

type healthResponsePayload struct {
	Status string `json:"status"`
	realtime.RegistryStats
}

type commentsResponsePayload struct {
	ProductID string                 `json:"productId"`
	Comments  []protocol.CommentData `json:"comments"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponsePayload{
		Status:        "ok",
		RegistryStats: h.hub.Registry().Stats(),
	})
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	productID := c.Param("productId")
	found, err := h.comments.ListComments(c.Request.Context(), productID)
	if err != nil {
		h.logger.Error("failed to list comments", zap.String("product_id", productID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, commentsResponsePayload{ProductID: productID, Comments: found})
}

// handleNoRoute hands stray upgrade requests to the hub, which rejects their
// path over the websocket itself.
func (h *httpHandler) handleNoRoute(c *gin.Context) {
	if websocket.IsWebSocketUpgrade(c.Request) {
		h.hub.ServeHTTP(c.Writer, c.Request)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
}
