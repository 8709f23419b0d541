package serve

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gftdcojp/conditions-db/internal/adapter"
	"github.com/gftdcojp/conditions-db/internal/config"
	"github.com/gftdcojp/conditions-db/internal/remote"
)

var errUnauthorized = errors.New("unauthorized")

// authenticator checks bearer tokens against the configured users. A token
// names its user in iss and the access level it asks for in sub; the level
// must be covered both by the endpoint and by the user.
type authenticator struct {
	users map[string]config.UserConfig
}

func newAuthenticator(users map[string]config.UserConfig) *authenticator {
	return &authenticator{users: users}
}

func (a *authenticator) secret(user string) (string, bool) {
	u, ok := a.users[user]
	return u.Pass, ok
}

// authorize returns the authenticated user, or "" when authentication is off.
func (a *authenticator) authorize(r *http.Request, level string) (string, error) {
	if len(a.users) == 0 {
		return "", nil
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", fmt.Errorf("%w: missing bearer token", errUnauthorized)
	}
	claims, err := remote.VerifyToken(token, a.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUnauthorized, err)
	}

	requested := adapter.AccessRank(claims.Subject)
	granted := adapter.AccessRank(a.users[claims.Issuer].Access)
	switch {
	case requested < 0:
		return "", fmt.Errorf("%w: unknown access level %q", errUnauthorized, claims.Subject)
	case requested > granted:
		return "", fmt.Errorf("%w: %s may not request %s access", errUnauthorized, claims.Issuer, claims.Subject)
	case requested < adapter.AccessRank(level):
		return "", fmt.Errorf("%w: %s access required", errUnauthorized, level)
	}
	return claims.Issuer, nil
}
