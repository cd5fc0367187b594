package controller

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lmbridge/lmbridge/dto"
)

// ListModels is GET /v1/models. The advertised set comes from the endpoint
// map, falling back to the model catalog when no bindings are configured.
func (s *Server) ListModels(c *gin.Context) {
	names := s.Store.ModelNames()
	sort.Strings(names)

	created := time.Now().Unix()
	models := make([]dto.ModelInfo, 0, len(names))
	for _, name := range names {
		models = append(models, dto.ModelInfo{
			Id:      name,
			Object:  "model",
			Created: created,
			OwnedBy: "LMArenaBridge",
		})
	}
	c.JSON(http.StatusOK, dto.ModelList{Object: "list", Data: models})
}

// RetrieveModel is GET /v1/models/:model.
func (s *Server) RetrieveModel(c *gin.Context) {
	name := c.Param("model")
	for _, known := range s.Store.ModelNames() {
		if known == name {
			c.JSON(http.StatusOK, dto.ModelInfo{
				Id:      name,
				Object:  "model",
				Created: time.Now().Unix(),
				OwnedBy: "LMArenaBridge",
			})
			return
		}
	}
	relayError(c, http.StatusNotFound, "invalid_request_error", "model not found: "+name)
}
