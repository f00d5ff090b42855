package dashboard

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

const sessionTTL = 15 * 60 // seconds

// authentication allows access if either valid Basic credentials or a live
// session exist, and stamps the request's principal for downstream
// handlers and the CSRF middleware.
func (s *Server) authentication(c *gin.Context) {
	if s.isBasicAuthenticated(c) || s.isSessionAuthenticated(c) {
		c.Next()
		return
	}
	c.AbortWithStatus(http.StatusUnauthorized)
}

func (s *Server) isBasicAuthenticated(c *gin.Context) bool {
	if s.cfg.DashboardPassword == "" {
		return false
	}
	user, pass, hasAuth := c.Request.BasicAuth()
	if !hasAuth {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.DashboardUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.DashboardPassword)) == 1
	if userOK && passOK {
		session := sessions.Default(c)
		session.Set("uid", user)
		session.Set("last_touch", time.Now().Unix())
		_ = session.Save()
		setPrincipal(c, &principal{Kind: credentialBasic, ID: user})
		return true
	}
	return false
}

func (s *Server) isSessionAuthenticated(c *gin.Context) bool {
	session := sessions.Default(c)
	userID, _ := session.Get("uid").(string)
	if userID == "" {
		return false
	}

	now := time.Now().Unix()
	lastTouch, _ := session.Get("last_touch").(int64)
	if lastTouch == 0 || now-lastTouch > sessionTTL {
		session.Clear()
		_ = session.Save()
		return false
	}

	session.Set("last_touch", now)
	_ = session.Save()
	setPrincipal(c, &principal{Kind: credentialSession, ID: userID})
	return true
}
