package app

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/unrolled/secure"
	"go.uber.org/zap"

	"webinteract/internal/domain"
	"webinteract/internal/infra/telemetry"
)

type routerOptions struct {
	MCPPath         string
	WSPath          string
	AllowOrigin     func(origin string) bool
	SecurityHeaders bool
	MCP             http.Handler
	WS              http.Handler
	Logger          *zap.Logger
}

// newRouter mounts the agent gateway and the browser socket on one engine.
func newRouter(opts routerOptions) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestMeta(), accessLog(opts.Logger))
	engine.Use(cors.New(corsConfig(opts.AllowOrigin)))
	if opts.SecurityHeaders {
		engine.Use(securityHeaders())
	}

	engine.GET(opts.WSPath, gin.WrapH(opts.WS))
	engine.Any(opts.MCPPath, gin.WrapH(opts.MCP))
	engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return engine
}

func corsConfig(allowOrigin func(string) bool) cors.Config {
	cfg := cors.DefaultConfig()
	if allowOrigin == nil {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOriginFunc = allowOrigin
	}
	cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	cfg.AllowHeaders = []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		domain.SessionIDHeader, telemetry.RequestIDHeader,
		"Mcp-Session-Id", "Mcp-Protocol-Version", "Last-Event-ID",
	}
	cfg.ExposeHeaders = []string{"Mcp-Session-Id", telemetry.RequestIDHeader}
	return cfg
}

// originList is the reloadable set of browser origins allowed to reach the
// service.
type originList struct {
	current atomic.Pointer[[]string]
}

func newOriginList(origins []string) *originList {
	l := &originList{}
	l.Set(origins)
	return l
}

func (l *originList) Set(origins []string) {
	copied := append([]string(nil), origins...)
	l.current.Store(&copied)
}

func (l *originList) Get() []string {
	return append([]string(nil), (*l.current.Load())...)
}

func (l *originList) Allows(origin string) bool {
	origins := *l.current.Load()
	if len(origins) == 0 {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	for _, allowed := range origins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

func securityHeaders() gin.HandlerFunc {
	middleware := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "no-referrer",
	})
	return func(c *gin.Context) {
		if err := middleware.Process(c.Writer, c.Request); err != nil {
			// Process has already written the response.
			c.Abort()
			return
		}
		c.Next()
	}
}

// requestMeta attaches a request id to the request context and echoes it.
func requestMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, meta := telemetry.EnsureRequestMeta(c.Request.Context(),
			telemetry.RequestIDFromHeader(c.Request.Header),
			c.GetHeader(domain.SessionIDHeader))
		c.Request = c.Request.WithContext(ctx)
		c.Header(telemetry.RequestIDHeader, meta.RequestID)
		c.Next()
	}
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		telemetry.LoggerWithRequest(c.Request.Context(), logger).Debug("request served",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			telemetry.DurationField(time.Since(start)),
		)
	}
}
