package server

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/types"
)

type executeRequest struct {
	Code    string  `json:"code"`
	Timeout float64 `json:"timeout"` // seconds
}

func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithKind(c, errdefs.KindInvalidRequest, "malformed body: "+err.Error())
		return
	}
	if req.Code == "" {
		abortWithKind(c, errdefs.KindInvalidRequest, "code must not be empty")
		return
	}
	if s.resetting.Load() {
		abortWithKind(c, errdefs.KindConflict, "session is resetting")
		return
	}

	timeout := time.Duration(req.Timeout * float64(time.Second))

	s.execMu.Lock()
	result, err := s.exec.Execute(c.Request.Context(), req.Code, timeout)
	s.execMu.Unlock()
	if err != nil {
		abortWithErr(c, err)
		return
	}
	s.execCount.Add(1)

	status := http.StatusOK
	if result.Error != nil && result.Error.Kind == string(errdefs.KindTimeout) {
		status = http.StatusRequestTimeout
	}
	c.JSON(status, result)
}

func (s *Server) handleReset(c *gin.Context) {
	s.resetting.Store(true)
	defer s.resetting.Store(false)

	s.execMu.Lock()
	err := s.exec.Reset(c.Request.Context())
	s.execMu.Unlock()
	if err != nil {
		abortWithErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         s.health.Load(),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":    "codebox-session",
		"status":     s.health.Load(),
		"tools":      len(s.ns.Tools.List()),
		"skills":     len(s.ns.Skills.List()),
		"executions": s.execCount.Load(),
	})
}

func (s *Server) handleListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.ns.Tools.List()})
}

func (s *Server) handleSearchTools(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		abortWithKind(c, errdefs.KindInvalidRequest, "missing query parameter q")
		return
	}
	c.JSON(http.StatusOK, gin.H{"tools": s.ns.Tools.Search(query, queryLimit(c))})
}

func (s *Server) handleListSkills(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"skills": s.ns.Skills.List()})
}

func (s *Server) handleSearchSkills(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		abortWithKind(c, errdefs.KindInvalidRequest, "missing query parameter q")
		return
	}
	found, err := s.ns.Skills.Search(c.Request.Context(), query, queryLimit(c))
	if err != nil {
		abortWithErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"skills": found})
}

type createSkillRequest struct {
	Name        string `json:"name"`
	Source      string `json:"source"`
	Description string `json:"description"`
	Overwrite   bool   `json:"overwrite"`
}

func (s *Server) handleCreateSkill(c *gin.Context) {
	var req createSkillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithKind(c, errdefs.KindInvalidRequest, "malformed body: "+err.Error())
		return
	}
	if req.Name == "" || req.Source == "" {
		abortWithKind(c, errdefs.KindInvalidRequest, "name and source are required")
		return
	}
	skill, err := s.ns.Skills.Create(c.Request.Context(), req.Name, req.Source, req.Description, req.Overwrite)
	if err != nil {
		abortWithErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, skill)
}

func (s *Server) handleGetSkill(c *gin.Context) {
	skill, err := s.ns.Skills.Get(c.Param("name"))
	if err != nil {
		abortWithErr(c, err)
		return
	}
	c.JSON(http.StatusOK, skill)
}

func (s *Server) handleDeleteSkill(c *gin.Context) {
	removed, err := s.ns.Skills.Delete(c.Request.Context(), c.Param("name"))
	if err != nil {
		abortWithErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": removed})
}

func (s *Server) handleListArtifacts(c *gin.Context) {
	listed, err := s.ns.Artifacts.List(c.Request.Context())
	if err != nil {
		abortWithErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": listed})
}

type saveArtifactRequest struct {
	Name        string         `json:"name"`
	Data        string         `json:"data"` // base64
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) handleSaveArtifact(c *gin.Context) {
	var req saveArtifactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithKind(c, errdefs.KindInvalidRequest, "malformed body: "+err.Error())
		return
	}
	if req.Name == "" {
		abortWithKind(c, errdefs.KindInvalidRequest, "name is required")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		abortWithKind(c, errdefs.KindInvalidRequest, "data must be base64")
		return
	}
	artifact := &types.Artifact{
		Name:        req.Name,
		Data:        data,
		Description: req.Description,
		Metadata:    req.Metadata,
	}
	if err := s.ns.Artifacts.Put(c.Request.Context(), artifact); err != nil {
		abortWithErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "size": artifact.Size})
}

func (s *Server) handleGetArtifact(c *gin.Context) {
	artifact, err := s.ns.Artifacts.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		abortWithErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":         artifact.Name,
		"data":         base64.StdEncoding.EncodeToString(artifact.Data),
		"description":  artifact.Description,
		"metadata":     artifact.Metadata,
		"content_type": artifact.ContentType,
		"size":         artifact.Size,
		"created_at":   artifact.CreatedAt,
	})
}

func (s *Server) handleDeleteArtifact(c *gin.Context) {
	removed, err := s.ns.Artifacts.Delete(c.Request.Context(), c.Param("name"))
	if err != nil {
		abortWithErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": removed})
}

func (s *Server) handleListDeps(c *gin.Context) {
	listed, err := s.ns.Deps.List(c.Request.Context())
	if err != nil {
		abortWithErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deps": listed})
}

type addDepRequest struct {
	Spec string `json:"spec"`
}

func (s *Server) handleAddDep(c *gin.Context) {
	var req addDepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithKind(c, errdefs.KindInvalidRequest, "malformed body: "+err.Error())
		return
	}
	report, err := s.ns.Deps.Add(c.Request.Context(), req.Spec)
	if err != nil {
		abortWithErr(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleRemoveDep(c *gin.Context) {
	removed, err := s.ns.Deps.Remove(c.Request.Context(), c.Param("name"))
	if err != nil {
		abortWithErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) handleSyncDeps(c *gin.Context) {
	report, err := s.ns.Deps.Sync(c.Request.Context())
	if err != nil {
		abortWithErr(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "5"))
	if err != nil || limit <= 0 {
		return 5
	}
	return limit
}
