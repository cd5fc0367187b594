package controller

import (
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/helper"
	"github.com/lmbridge/lmbridge/monitor"
	"github.com/lmbridge/lmbridge/relay/imagepipe"
	"github.com/lmbridge/lmbridge/relay/lifecycle"
	relaymodel "github.com/lmbridge/lmbridge/relay/model"
	"github.com/lmbridge/lmbridge/relay/tabs"
)

// Server holds the services every handler needs. Handlers are methods so
// tests can build a Server around fakes instead of process globals.
type Server struct {
	Store    *config.Store
	Tabs     *tabs.Manager
	Queue    *lifecycle.PendingQueue
	Guard    *lifecycle.VerificationGuard
	Activity *lifecycle.Activity
	Monitor  *monitor.Service
	Images   *imagepipe.Pipeline

	// EndpointMapPath is where save_captured_model writes new bindings.
	EndpointMapPath string

	captureMu sync.Mutex
	capture   captureState
}

func NewServer(store *config.Store, manager *tabs.Manager, queue *lifecycle.PendingQueue,
	guard *lifecycle.VerificationGuard, activity *lifecycle.Activity,
	mon *monitor.Service, images *imagepipe.Pipeline, endpointMapPath string) *Server {
	return &Server{
		Store:           store,
		Tabs:            manager,
		Queue:           queue,
		Guard:           guard,
		Activity:        activity,
		Monitor:         mon,
		Images:          images,
		EndpointMapPath: endpointMapPath,
		capture:         captureState{Mode: "direct_chat", BattleTarget: "A"},
	}
}

// relayError writes an OpenAI-shaped error envelope.
func relayError(c *gin.Context, statusCode int, errType, message string) {
	c.JSON(statusCode, gin.H{
		"error": gin.H{
			"message":    message,
			"type":       errType,
			"request_id": c.GetString(helper.RequestIdKey),
		},
	})
}

func relayErrorWithStatus(c *gin.Context, relayErr *relaymodel.ErrorWithStatusCode) {
	c.JSON(relayErr.StatusCode, gin.H{"error": relayErr.Error})
}
