// Package server exposes the high-level API over HTTP. Every response is
// wrapped in a uniform envelope so callers can switch on "ok" without
// inspecting status codes.
package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/roach88/configdb/internal/acl"
	"github.com/roach88/configdb/internal/api"
	"github.com/roach88/configdb/internal/dberr"
)

// Server routes HTTP verbs onto API operations.
type Server struct {
	api        *api.API
	authEntity string
	logger     *slog.Logger
}

func New(a *api.API, authEntity string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{api: a, authEntity: authEntity, logger: logger.With("component", "server")}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID())

	r.GET("/metrics", func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; charset=utf-8")
		metrics.WritePrometheus(c.Writer, true)
	})

	apiGroup := r.Group("/api", s.authenticate())
	apiGroup.GET("/audit", s.handleAudit)
	apiGroup.GET("/timestamp/:entity", s.handleTimestamp)
	apiGroup.POST("/:entity", s.handleCreate)
	apiGroup.POST("/:entity/find", s.handleFind)
	apiGroup.GET("/:entity/:name", s.handleGet)
	apiGroup.PUT("/:entity/:name", s.handleUpdate)
	apiGroup.DELETE("/:entity/:name", s.handleDelete)

	return r
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// authenticate builds the caller's authorization context. With an auth
// entity configured, the basic-auth username must name an object of that
// entity; its password field is compared and its groups relation becomes
// the caller's group set.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, pass, ok := c.Request.BasicAuth()
		if s.authEntity == "" {
			if !ok {
				user = "anonymous"
			}
			c.Set("acl_context", acl.NewContext(user, nil))
			c.Next()
			return
		}
		if !ok {
			s.deny(c)
			return
		}
		actx, err := s.login(c, user, pass)
		if err != nil {
			s.logger.Warn("login failed", "user", user, "request_id", c.GetString("request_id"))
			s.deny(c)
			return
		}
		c.Set("acl_context", actx)
		c.Next()
	}
}

func (s *Server) deny(c *gin.Context) {
	c.Header("WWW-Authenticate", `Basic realm="configdb"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"ok":    false,
		"error": gin.H{"code": "auth", "message": "authentication required"},
	})
}

var errBadCredentials = errors.New("bad credentials")

func (s *Server) login(c *gin.Context, user, pass string) (*acl.Context, error) {
	// Look the account up with an unrestricted context; the caller's own
	// context does not exist yet.
	root := acl.NewContext(user, nil)
	data, err := s.api.Get(c.Request.Context(), root, s.authEntity, user)
	if err != nil {
		return nil, err
	}
	// Accounts whose entity declares a password field must have one set;
	// an empty stored password would otherwise admit any credential.
	if ent := s.api.Schema().Entity(s.authEntity); ent != nil && ent.Field("password") != nil {
		stored, _ := data["password"].(string)
		if stored == "" || stored != pass {
			return nil, errBadCredentials
		}
	}
	var groups []string
	if members, ok := data["groups"].([]string); ok {
		groups = members
	}
	actx := acl.NewContext(user, groups)
	if self, selfOK := s.api.SelfTarget(c.Request.Context(), actx, s.authEntity, user); selfOK {
		actx.SetSelf(self)
	}
	return actx, nil
}

func aclContext(c *gin.Context) *acl.Context {
	if v, ok := c.Get("acl_context"); ok {
		if actx, ok := v.(*acl.Context); ok {
			return actx
		}
	}
	return acl.NewContext("anonymous", nil)
}

func (s *Server) respond(c *gin.Context, result any, err error) {
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"ok": true, "result": result})
		return
	}
	status := http.StatusInternalServerError
	code := "storage"
	fields := []string(nil)
	message := err.Error()

	var dbe *dberr.Error
	switch {
	case errors.Is(err, dberr.ErrAuditUnsupported):
		status = http.StatusNotImplemented
		code = "audit_unsupported"
	case errors.As(err, &dbe):
		code = string(dbe.Code)
		fields = dbe.Fields
		switch {
		case dberr.IsNotFound(err):
			status = http.StatusNotFound
		case dberr.IsACL(err):
			status = http.StatusForbidden
		case dberr.IsValidation(err), dberr.IsQuery(err), dberr.IsRelation(err), dberr.IsSchema(err):
			status = http.StatusBadRequest
		case dberr.IsIntegrity(err):
			status = http.StatusConflict
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err, "request_id", c.GetString("request_id"))
		message = "internal error"
	}
	body := gin.H{"code": code, "message": message}
	if len(fields) > 0 {
		body["fields"] = fields
	}
	c.JSON(status, gin.H{"ok": false, "error": body})
}
