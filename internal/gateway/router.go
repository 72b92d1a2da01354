package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sudooom.collab/internal/auth"
	apperrors "sudooom.collab/pkg/errors"
	"sudooom.collab/pkg/response"
)

const (
	identityKey    = "identity"
	maxMessageSize = 1 << 20
)

// setupRouter 设置路由
func (s *Server) setupRouter() *gin.Engine {
	if s.cfg.App.Mode != "" {
		gin.SetMode(s.cfg.App.Mode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", gin.WrapH(s.health))
	r.GET("/ready", s.ready)

	// 浏览器无法为 WebSocket 设置 header，允许通过 token 查询参数传递
	r.GET("/ws", s.authMiddleware(), s.handleWebSocket)

	v1 := r.Group("/api/v1")
	v1.Use(s.authMiddleware())
	{
		projects := v1.Group("/projects/:id")
		{
			projects.GET("/presence", s.getPresence)
			projects.GET("/locks", s.getLocks)
		}
	}

	return r
}

// authMiddleware 校验 bearer token，身份写入 gin.Context
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}

		claims, err := s.deps.Auth.Parse(token)
		if err != nil {
			response.Unauthorized(c, err)
			c.Abort()
			return
		}

		c.Set(identityKey, Identity{UserID: claims.UserID, UserName: claims.UserName})
		c.Next()
	}
}

func identityFrom(c *gin.Context) Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}
	}
	return v.(Identity)
}

func abortWith(c *gin.Context, err error) {
	if apperrors.Is(err, apperrors.ErrUnavailable) {
		response.ServiceUnavailable(c)
	} else {
		response.ErrorFromAppError(c, err)
	}
	c.Abort()
}

func (s *Server) ready(c *gin.Context) {
	if s.health.IsHealthy(c.Request.Context()) {
		c.String(http.StatusOK, "OK")
		return
	}
	c.String(http.StatusServiceUnavailable, "Not Ready")
}

// getPresence 项目当前在线成员（所有节点）
func (s *Server) getPresence(c *gin.Context) {
	members, err := s.deps.Store.Members(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.ErrorFromAppError(c, apperrors.ErrStoreError.Wrap(err))
		return
	}
	response.Success(c, members)
}

// getLocks 项目当前锁表
func (s *Server) getLocks(c *gin.Context) {
	locks, err := s.deps.Store.Locks(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.ErrorFromAppError(c, apperrors.ErrStoreError.Wrap(err))
		return
	}
	response.Success(c, locks)
}
