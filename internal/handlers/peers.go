package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/ensemble/internal/models"
)

// PeersResponse lists the registered clients by role
type PeersResponse struct {
	Controllers []string `json:"controllers"`
	Synths      []string `json:"synths"`
}

// ListPeers returns the clients recorded in presence (requires authentication)
func ListPeers(presence Presence) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		controllers, err := presence.List(ctx, models.RoleController)
		if err != nil {
			log.Printf("Failed to list controllers: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list peers"})
			return
		}
		synths, err := presence.List(ctx, models.RoleSynth)
		if err != nil {
			log.Printf("Failed to list synths: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list peers"})
			return
		}

		c.JSON(http.StatusOK, PeersResponse{
			Controllers: nonNil(controllers),
			Synths:      nonNil(synths),
		})
	}
}

// Health reports the relay status and the clients connected to this relay
func (h *Hub) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"controllers": len(h.Controllers()),
		"synths":      len(h.Synths()),
	})
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
