package router

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxgate/fluxgate/common/config"
	"github.com/fluxgate/fluxgate/controller"
	"github.com/fluxgate/fluxgate/middleware"
)

// SetRouter mounts every HTTP surface: the relay endpoints for the three
// client dialects, the admin API, and the operational endpoints.
func SetRouter(server *gin.Engine) {
	server.Use(cors.Default())
	if config.EnablePrometheusMetrics {
		server.Use(middleware.Prometheus())
		server.GET("/metrics", middleware.AdminAuth(), gin.WrapH(promhttp.Handler()))
	}

	setRelayRouter(server)
	setAPIRouter(server)
}

func setRelayRouter(server *gin.Engine) {
	relay := server.Group("/")
	relay.Use(middleware.TokenAuth())
	{
		relay.POST("/v1/chat/completions", controller.RelayOpenAI)
		relay.POST("/v1/messages", controller.RelayClaude)
		// Gemini clients address the model in the path: /v1beta/models/{model}:{action}.
		relay.POST("/v1beta/models/:model", controller.RelayGemini)
		relay.GET("/v1/models", controller.ListModels)
		relay.GET("/v1/models/:model", controller.RetrieveModel)
	}
}

func setAPIRouter(server *gin.Engine) {
	api := server.Group("/api")
	{
		api.GET("/status", controller.GetStatus)

		admin := api.Group("/")
		admin.Use(middleware.AdminAuth())
		{
			admin.GET("/health", controller.GetAccountHealth)
			admin.POST("/health/:id", controller.ForceAccountHealth)

			admin.GET("/provider", controller.GetAllProviders)
			admin.GET("/provider/:id", controller.GetProvider)
			admin.POST("/provider", controller.AddProvider)
			admin.PUT("/provider", controller.UpdateProvider)
			admin.DELETE("/provider/:id", controller.DeleteProvider)

			admin.GET("/account", controller.GetAllAccounts)
			admin.GET("/account/:id", controller.GetAccount)
			admin.POST("/account", controller.AddAccount)
			admin.PUT("/account", controller.UpdateAccount)
			admin.DELETE("/account/:id", controller.DeleteAccount)

			admin.GET("/token", controller.GetUserTokens)
			admin.GET("/token/:id", controller.GetToken)
			admin.POST("/token", controller.AddToken)
			admin.PUT("/token", controller.UpdateToken)
			admin.DELETE("/token/:id", controller.DeleteToken)

			admin.GET("/log", controller.GetLogs)
			admin.GET("/usage", controller.GetUsageSummary)
		}

		root := api.Group("/")
		root.Use(middleware.RootAuth())
		{
			root.GET("/user/:id", controller.GetUser)
			root.POST("/user", controller.AddUser)
			root.PUT("/user", controller.UpdateUser)
			root.DELETE("/user/:id", controller.DeleteUser)
		}
	}
}
