// Package middleware provides the HTTP middleware for the node-facing API.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/domain"
	"github.com/stratomesh/stratomesh/internal/services/auth"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	// ClaimsKey is the context key for verified node claims.
	ClaimsKey ContextKey = "node_claims"
	// NodeIDKey is the context key for the authenticated node id.
	NodeIDKey ContextKey = "node_id"
)

// NodeLoader fetches the node record backing a credential. The data store
// satisfies it.
type NodeLoader interface {
	GetNode(ctx context.Context, id string) (*domain.Node, error)
}

// NodeAuthenticator guards the node-facing endpoints with the bearer
// credential issued at registration. A token must both verify as a JWT and
// match the hash stored on the node record, so re-registration revokes the
// previous credential even before it expires.
type NodeAuthenticator struct {
	jwt    *auth.JWTManager
	nodes  NodeLoader
	logger *zap.Logger
}

// NewNodeAuthenticator creates the node auth middleware.
func NewNodeAuthenticator(jwtManager *auth.JWTManager, nodes NodeLoader, logger *zap.Logger) *NodeAuthenticator {
	return &NodeAuthenticator{
		jwt:    jwtManager,
		nodes:  nodes,
		logger: logger.Named("node-auth"),
	}
}

// Wrap authenticates requests under /api/v1/nodes/ except registration,
// which is the endpoint that mints credentials in the first place.
func (a *NodeAuthenticator) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresNodeAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			a.deny(w, r, "missing authorization header")
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			a.deny(w, r, "invalid authorization format, expected 'Bearer <token>'")
			return
		}

		claims, err := a.jwt.Verify(token)
		if err != nil {
			a.logger.Debug("Token verification failed", zap.Error(err))
			a.deny(w, r, "invalid or expired credential")
			return
		}

		// The token must still be the node's current credential.
		n, err := a.nodes.GetNode(r.Context(), claims.NodeID)
		if err != nil {
			a.logger.Debug("Credential for unknown node",
				zap.String("node_id", claims.NodeID), zap.Error(err))
			a.deny(w, r, "unknown node")
			return
		}
		if !auth.CheckCredential(n.APIKeyHash, token) {
			a.logger.Warn("Superseded credential rejected",
				zap.String("node_id", claims.NodeID))
			a.deny(w, r, "credential superseded by re-registration")
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		ctx = context.WithValue(ctx, NodeIDKey, claims.NodeID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *NodeAuthenticator) deny(w http.ResponseWriter, r *http.Request, message string) {
	a.logger.Debug("Request denied",
		zap.String("path", r.URL.Path),
		zap.String("reason", message),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"code":"UNAUTHENTICATED","message":"` + message + `"}`))
}

// requiresNodeAuth reports whether a path carries node credentials.
// Registration is public: it is where credentials come from.
func requiresNodeAuth(path string) bool {
	if !strings.HasPrefix(path, "/api/v1/nodes/") {
		return false
	}
	return path != "/api/v1/nodes/register"
}

// GetClaims extracts verified node claims from the context.
func GetClaims(ctx context.Context) (*auth.NodeClaims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*auth.NodeClaims)
	return claims, ok
}

// GetNodeID extracts the authenticated node id from the context.
func GetNodeID(ctx context.Context) (string, bool) {
	nodeID, ok := ctx.Value(NodeIDKey).(string)
	return nodeID, ok
}
