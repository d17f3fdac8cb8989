package security

import (
	"net/http"
	"sync"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
	"golang.org/x/crypto/bcrypt"
)

// InternalTokenHeader carries the shared secret of internal callers.
const InternalTokenHeader = "X-Internal-Token"

// InternalAuth admits requests whose token matches a bcrypt hash. With no hash
// configured every request is rejected.
type InternalAuth struct {
	hash     []byte
	verified sync.Map
}

func NewInternalAuth(hash string) *InternalAuth {
	return &InternalAuth{hash: []byte(hash)}
}

func (a *InternalAuth) Verify(token string) bool {
	if len(a.hash) == 0 || token == "" {
		return false
	}
	if _, ok := a.verified.Load(token); ok {
		return true
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return false
	}
	a.verified.Store(token, struct{}{})
	return true
}

func (a *InternalAuth) Middleware() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if !a.Verify(e.Request.Header.Get(InternalTokenHeader)) {
			return router.NewApiError(http.StatusUnauthorized, "Invalid internal token", nil)
		}
		return e.Next()
	}
}

// HashToken produces the value for INTERNAL_TOKEN_HASH.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
