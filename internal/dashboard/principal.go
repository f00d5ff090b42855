package dashboard

import "github.com/gin-gonic/gin"

// credentialKind records which scheme authenticated the current request.
type credentialKind string

const (
	credentialBasic   credentialKind = "basic"
	credentialSession credentialKind = "session"
)

type principal struct {
	Kind credentialKind
	ID   string
}

const principalContextKey = "dashboard.principal"

func setPrincipal(c *gin.Context, p *principal) {
	c.Set(principalContextKey, p)
}

func getPrincipal(c *gin.Context) *principal {
	v, ok := c.Get(principalContextKey)
	if !ok {
		return nil
	}
	p, _ := v.(*principal)
	return p
}
