package syncserver

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aggregat4/tasklist-sync/internal/apperrors"
	"github.com/aggregat4/tasklist-sync/internal/crdt"
	"github.com/aggregat4/tasklist-sync/internal/observability"
)

// userIDHeader carries the caller's identity. Real authentication is out of
// scope here (spec §1 treats auth as "interfaces only"); a trusted reverse
// proxy or gateway is expected to populate this header after authenticating
// the caller, the same way the teacher's tracing_middleware.go reads
// pre-populated request-scoped headers rather than performing auth itself.
const userIDHeader = "X-User-Id"

// Server exposes the sync endpoints of spec §4.10 over a Store.
type Server struct {
	store   *Store
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewServer wraps a Store; RegisterRoutes attaches its endpoints to a router.
func NewServer(store *Store, logger observability.Logger, metrics observability.MetricsClient) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Server{store: store, logger: logger, metrics: metrics}
}

// RegisterRoutes attaches the sync endpoints to router.
func (s *Server) RegisterRoutes(router gin.IRouter) {
	router.GET("/healthz", s.handleHealthz)
	router.GET("/sync/bootstrap", s.handleBootstrap)
	router.POST("/sync/push", s.handlePush)
	router.GET("/sync/pull", s.handlePull)
	router.POST("/sync/reset", s.handleReset)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) userID(c *gin.Context) (string, bool) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing " + userIDHeader})
		return "", false
	}
	return userID, true
}

func (s *Server) handleBootstrap(c *gin.Context) {
	userID, ok := s.userID(c)
	if !ok {
		return
	}
	clientID := c.Query("clientId")

	result, err := s.store.Bootstrap(c.Request.Context(), userID, clientID)
	if err != nil {
		s.logger.Error("bootstrap failed", map[string]interface{}{"error": err.Error(), "userId": userID})
		c.JSON(http.StatusInternalServerError, gin.H{"error": apperrors.ErrStorageError.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"datasetGenerationKey": result.DatasetGenerationKey,
		"snapshot":             result.Snapshot,
		"ops":                  nonNilOps(result.Ops),
		"serverSeq":            result.ServerSeq,
	})
}

type pushRequestBody struct {
	ClientID             string     `json:"clientId"`
	DatasetGenerationKey string     `json:"datasetGenerationKey"`
	Ops                  []crdt.Op `json:"ops"`
}

func (s *Server) handlePush(c *gin.Context) {
	userID, ok := s.userID(c)
	if !ok {
		return
	}

	var req pushRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := s.store.Push(c.Request.Context(), userID, req.ClientID, req.DatasetGenerationKey, req.Ops)
	if err != nil {
		s.logger.Error("push failed", map[string]interface{}{"error": err.Error(), "userId": userID})
		c.JSON(http.StatusInternalServerError, gin.H{"error": apperrors.ErrStorageError.Error()})
		return
	}
	if result.Conflict {
		c.JSON(http.StatusConflict, gin.H{"datasetGenerationKey": result.DatasetGenerationKey})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"serverSeq":            result.ServerSeq,
		"datasetGenerationKey": result.DatasetGenerationKey,
	})
}

func (s *Server) handlePull(c *gin.Context) {
	userID, ok := s.userID(c)
	if !ok {
		return
	}
	clientID := c.Query("clientId")
	datasetGenerationKey := c.Query("datasetGenerationKey")

	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since parameter"})
		return
	}

	result, err := s.store.Pull(c.Request.Context(), userID, clientID, datasetGenerationKey, since)
	if err != nil {
		s.logger.Error("pull failed", map[string]interface{}{"error": err.Error(), "userId": userID})
		c.JSON(http.StatusInternalServerError, gin.H{"error": apperrors.ErrStorageError.Error()})
		return
	}
	if result.Conflict {
		c.JSON(http.StatusConflict, gin.H{"datasetGenerationKey": result.DatasetGenerationKey})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ops":                  nonNilOps(result.Ops),
		"serverSeq":            result.ServerSeq,
		"datasetGenerationKey": result.DatasetGenerationKey,
	})
}

type resetRequestBody struct {
	ClientID             string `json:"clientId"`
	DatasetGenerationKey string `json:"datasetGenerationKey"`
	Snapshot             string `json:"snapshot"`
}

func (s *Server) handleReset(c *gin.Context) {
	userID, ok := s.userID(c)
	if !ok {
		return
	}

	var req resetRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	conflict, err := s.store.Reset(c.Request.Context(), userID, req.DatasetGenerationKey, req.Snapshot)
	if err != nil {
		s.logger.Error("reset failed", map[string]interface{}{"error": err.Error(), "userId": userID})
		c.JSON(http.StatusInternalServerError, gin.H{"error": apperrors.ErrStorageError.Error()})
		return
	}
	if conflict {
		c.JSON(http.StatusConflict, gin.H{"datasetGenerationKey": req.DatasetGenerationKey})
		return
	}

	c.JSON(http.StatusOK, gin.H{"datasetGenerationKey": req.DatasetGenerationKey})
}

// nonNilOps ensures an empty op tail serializes as [] rather than null,
// matching the wire contract clients decode bootstrap/pull responses with.
func nonNilOps(ops []crdt.Op) []crdt.Op {
	if ops == nil {
		return []crdt.Op{}
	}
	return ops
}
