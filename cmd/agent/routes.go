package main

import (
	"call-signaling/internal/auth"
	"call-signaling/internal/httpapi"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, actorID string) {
	// public
	r.GET("/healthz", h.Health)
	r.POST("/v1/auth/refresh", h.Refresh)

	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(h.Auth), auth.RequireActor(actorID))
	{
		v1.GET("/call", h.GetCall)
		v1.GET("/call/stream", h.Stream)
		v1.POST("/call/end", h.EndCall)
		v1.POST("/call/media", h.SetTrack)

		calls := v1.Group("/calls")
		{
			calls.POST("", h.StartCall)
			calls.POST("/:call_id/answer", h.AnswerCall)
			calls.POST("/:call_id/reject", h.RejectCall)
		}
	}
}
