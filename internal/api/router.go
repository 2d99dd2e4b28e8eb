package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dvrpc/regional-transit-screening-platform/internal/config"
	"github.com/dvrpc/regional-transit-screening-platform/internal/handler"
	"github.com/dvrpc/regional-transit-screening-platform/internal/middleware"
)

// SetupRouter 设置路由
func SetupRouter(cfg *config.Config, h *handler.PipelineHandler, log logrus.FieldLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger(log))

	// CORS 中间件
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	if len(cfg.Server.AllowOrigins) == 0 || slices.Contains(cfg.Server.AllowOrigins, "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.Server.AllowOrigins
	}
	r.Use(cors.New(corsConfig))

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Regional transit screening API is running",
		})
	})

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 数据集及其输出
		datasets := api.Group("/datasets")
		{
			datasets.GET("", h.ListDatasets)
			datasets.GET("/:name", h.GetDataset)
			datasets.GET("/:name/summaries", h.GetSummaries)
			datasets.GET("/:name/qaqc", h.GetDiagnostics)
			datasets.GET("/:name/explain/:uid", h.Explain)

			limiter := middleware.NewRateLimiter(cfg.Server.TriggerLimit, time.Duration(cfg.Server.TriggerWindow)*time.Second)
			datasets.POST("/:name/run",
				middleware.Auth(cfg.Server.JWTSecret),
				middleware.RateLimit(limiter),
				h.TriggerRun,
			)
		}

		// 运行记录
		runs := api.Group("/runs")
		{
			runs.GET("", h.ListRuns)
			runs.GET("/:id", h.GetRun)
		}

		api.GET("/tables", h.ListTables)
	}

	return r
}
