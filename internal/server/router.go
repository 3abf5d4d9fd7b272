package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/apierr"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/livequery"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/objects"
)

const (
	headerSessionToken  = "X-Parse-Session-Token"
	headerMasterKey     = "X-Parse-Master-Key"
	headerApplicationID = "X-Parse-Application-Id"

	aclGroupContextKey = "livequery_acl_group"
	masterContextKey   = "livequery_master"
)

var (
	errMissingLiveQuery     = errors.New("live query server dependency required")
	errMissingObjects       = errors.New("object controller dependency required")
	errMissingAuthenticator = errors.New("session authenticator dependency required")
)

// ObjectStore is the object surface served under /classes.
type ObjectStore interface {
	Find(ctx context.Context, className string, where map[string]any, options objects.FindOptions) (objects.FindResult, error)
	Get(ctx context.Context, className, objectID string, acl []string) (map[string]any, error)
	Create(ctx context.Context, className string, object map[string]any, options objects.WriteOptions) (map[string]any, error)
	Update(ctx context.Context, className, objectID string, update map[string]any, options objects.WriteOptions) (map[string]any, error)
	Delete(ctx context.Context, className, objectID string, options objects.WriteOptions) error
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	LiveQuery      *livequery.Server
	Objects        ObjectStore
	Authenticator  livequery.Authenticator
	MasterKey      string
	AllowedOrigins []string
	Websocket      livequery.WebsocketSettings
	Metrics        *metrics.Collector
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the websocket endpoint, /classes, /healthz and /metrics.
// ctx bounds the lifetime of upgraded websocket connections.
func NewHTTPHandler(ctx context.Context, deps Dependencies) (http.Handler, error) {
	if deps.LiveQuery == nil {
		return nil, errMissingLiveQuery
	}
	if deps.Objects == nil {
		return nil, errMissingObjects
	}
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.GinMiddleware())
	}
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		ctx:           ctx,
		liveQuery:     deps.LiveQuery,
		objects:       deps.Objects,
		authenticator: deps.Authenticator,
		masterKey:     deps.MasterKey,
		websocket:     deps.Websocket,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}

	router.GET("/", handler.handleWebsocket)
	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	classes := router.Group("/classes")
	classes.Use(handler.authorizeRequest)
	classes.GET("/:className", handler.handleFind)
	classes.POST("/:className", handler.handleCreate)
	classes.GET("/:className/:objectId", handler.handleGet)
	classes.PUT("/:className/:objectId", handler.handleUpdate)
	classes.DELETE("/:className/:objectId", handler.handleDelete)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{
			"Content-Type",
			headerSessionToken,
			headerMasterKey,
			headerApplicationID,
		},
		MaxAge: 12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	ctx           context.Context
	liveQuery     *livequery.Server
	objects       ObjectStore
	authenticator livequery.Authenticator
	masterKey     string
	websocket     livequery.WebsocketSettings
	upgrader      websocket.Upgrader
	logger        *zap.Logger
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "websocket upgrade required"})
		return
	}
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	livequery.ServeWebsocket(h.ctx, h.liveQuery, ws, h.websocket, h.logger)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	stats, err := h.liveQuery.Stats(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"clients":       stats.Clients,
		"subscriptions": stats.Subscriptions,
	})
}

// authorizeRequest resolves the caller's ACL group: nil for the master key, the session's
// group for a session token, public otherwise.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if key := c.GetHeader(headerMasterKey); key != "" {
		if h.masterKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.masterKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(masterContextKey, true)
		c.Next()
		return
	}

	aclGroup := []string{"*"}
	if token := strings.TrimSpace(c.GetHeader(headerSessionToken)); token != "" {
		resolved, err := h.authenticator.GetAuth(c.Request.Context(), token)
		if err != nil {
			h.logger.Info("session token rejected", zap.Error(err))
			writeError(c, err)
			c.Abort()
			return
		}
		aclGroup, err = resolved.ACLGroup(c.Request.Context())
		if err != nil {
			h.logger.Error("failed to resolve roles", zap.Error(err))
			writeError(c, err)
			c.Abort()
			return
		}
	}
	c.Set(aclGroupContextKey, aclGroup)
	c.Next()
}

// callerACL returns the ACL group of the request, nil for master.
func callerACL(c *gin.Context) []string {
	if c.GetBool(masterContextKey) {
		return nil
	}
	if aclGroup, ok := c.Get(aclGroupContextKey); ok {
		if group, ok := aclGroup.([]string); ok {
			return group
		}
	}
	return []string{"*"}
}

func writeError(c *gin.Context, err error) {
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"code": int(apierr.InternalServerError), "error": "Internal server error."})
		return
	}
	c.JSON(statusForCode(apiErr.Code()), gin.H{"code": int(apiErr.Code()), "error": apiErr.Message()})
}

func statusForCode(code apierr.Code) int {
	switch code {
	case apierr.ObjectNotFound:
		return http.StatusNotFound
	case apierr.OperationForbidden:
		return http.StatusForbidden
	case apierr.InvalidSessionToken:
		return http.StatusUnauthorized
	case apierr.InternalServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
