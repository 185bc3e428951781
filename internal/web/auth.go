package web

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bigredeye/relgate/api"
	lf "github.com/bigredeye/relgate/internal/logfield"
)

const tokenHeader = "Token"

// validateToken accepts requests carrying one of the configured tokens. With
// no tokens configured the API is open.
func (s *server) validateToken(c *gin.Context) {
	if len(s.config.Server.Tokens) == 0 {
		c.Next()
		return
	}

	token := c.GetHeader(tokenHeader)
	for _, known := range s.config.Server.Tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			c.Next()
			return
		}
	}

	s.logger.Warn("Unknown token", lf.Token(mask(token)))
	c.AbortWithStatusJSON(http.StatusUnauthorized, &api.Status{
		Ok:    false,
		Error: "Invalid or expired token",
	})
}

func mask(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
