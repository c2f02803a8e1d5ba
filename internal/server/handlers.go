package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/configdb/internal/backend"
)

func (s *Server) handleGet(c *gin.Context) {
	result, err := s.api.Get(c.Request.Context(), aclContext(c),
		c.Param("entity"), c.Param("name"))
	s.respond(c, result, err)
}

func (s *Server) handleCreate(c *gin.Context) {
	var data map[string]any
	if err := c.ShouldBindJSON(&data); err != nil {
		s.badBody(c, err)
		return
	}
	result, err := s.api.Create(c.Request.Context(), aclContext(c), c.Param("entity"), data)
	s.respond(c, result, err)
}

func (s *Server) handleUpdate(c *gin.Context) {
	var data map[string]any
	if err := c.ShouldBindJSON(&data); err != nil {
		s.badBody(c, err)
		return
	}
	result, err := s.api.Update(c.Request.Context(), aclContext(c),
		c.Param("entity"), c.Param("name"), data)
	s.respond(c, result, err)
}

func (s *Server) handleDelete(c *gin.Context) {
	err := s.api.Delete(c.Request.Context(), aclContext(c),
		c.Param("entity"), c.Param("name"))
	s.respond(c, true, err)
}

func (s *Server) handleFind(c *gin.Context) {
	var spec map[string]map[string]any
	if err := c.ShouldBindJSON(&spec); err != nil {
		s.badBody(c, err)
		return
	}
	results, err := s.api.Find(c.Request.Context(), aclContext(c), c.Param("entity"), spec)
	if results == nil && err == nil {
		results = []map[string]any{}
	}
	s.respond(c, results, err)
}

func (s *Server) handleAudit(c *gin.Context) {
	q := backend.AuditQuery{
		Entity: c.Query("entity"),
		Object: c.Query("object"),
		Op:     c.Query("op"),
		User:   c.Query("user"),
	}
	entries, err := s.api.GetAudit(c.Request.Context(), aclContext(c), q)
	if err != nil {
		s.respond(c, nil, err)
		return
	}
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"entity": e.Entity,
			"object": e.Object,
			"op":     e.Op,
			"user":   e.User,
			"data":   e.Data,
			"stamp":  e.Stamp.UTC().Format(time.RFC3339),
		})
	}
	s.respond(c, out, nil)
}

func (s *Server) handleTimestamp(c *gin.Context) {
	stamp, err := s.api.GetTimestamp(c.Request.Context(), aclContext(c), c.Param("entity"))
	if err != nil {
		s.respond(c, nil, err)
		return
	}
	s.respond(c, stamp.UTC().Format(time.RFC3339), nil)
}

func (s *Server) badBody(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"ok":    false,
		"error": gin.H{"code": "bad_request", "message": "malformed request body: " + err.Error()},
	})
}
