package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edirooss/compilebroker/internal/broker"
)

const tierKey = "tier"

// RequireValidTier parses the ":tier" path param (name or number) and
// rejects tiers at or above numTiers with 404.
func RequireValidTier(numTiers int) gin.HandlerFunc {
	return func(c *gin.Context) {
		tier, err := broker.ParseTier(c.Param("tier"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		if int(tier) >= numTiers {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"message": "no such tier"})
			return
		}
		c.Set(tierKey, tier)
		c.Next()
	}
}

// GetTier returns the tier stored by RequireValidTier.
func GetTier(c *gin.Context) broker.Tier {
	v, _ := c.Get(tierKey)
	t, _ := v.(broker.Tier)
	return t
}
