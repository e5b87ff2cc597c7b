package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// User roles recognised by the API gateway.
const (
	RoleStudent   = "student"
	RoleAdmin     = "admin"
	RoleRootAdmin = "root_admin"
)

// Identity headers injected by the authenticating gateway in front of this
// service. The service trusts them; it performs no token validation itself.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUsername = "X-Username"
	HeaderEmail    = "X-User-Email"
	HeaderRole     = "X-User-Role"
	HeaderSchoolID = "X-School-ID"
)

// UserContext is the caller identity carried through a request.
type UserContext struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
	SchoolID string `json:"school_id,omitempty"`
}

// IsAdmin reports whether the user may call the admin surface.
func (u UserContext) IsAdmin() bool {
	return u.Role == RoleAdmin || u.Role == RoleRootAdmin
}

const userContextKey = "httpapi.user"

// userFromHeaders extracts the gateway identity headers. ok is false when no
// user id is present.
func userFromHeaders(c *gin.Context) (UserContext, bool) {
	id := c.GetHeader(HeaderUserID)
	if id == "" {
		return UserContext{}, false
	}
	user := UserContext{
		UserID:   id,
		Username: c.GetHeader(HeaderUsername),
		Email:    c.GetHeader(HeaderEmail),
		Role:     c.GetHeader(HeaderRole),
		SchoolID: c.GetHeader(HeaderSchoolID),
	}
	if user.Username == "" {
		user.Username = id
	}
	if user.Role == "" {
		user.Role = RoleStudent
	}
	return user, true
}

// anonymousUser is the identity assumed on endpoints that allow
// unauthenticated access.
var anonymousUser = UserContext{UserID: "dev-user", Username: "guest", Role: RoleStudent}

// optionalIdentity resolves the caller identity, falling back to
// [anonymousUser] when no identity headers are present.
func optionalIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := userFromHeaders(c)
		if !ok {
			user = anonymousUser
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

// requireIdentity rejects requests that carry no identity headers.
func requireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := userFromHeaders(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

// requireAdmin rejects callers whose role is not admin or root_admin. Must
// run after an identity middleware.
func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !currentUser(c).IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}

// currentUser returns the identity resolved by the middleware chain.
func currentUser(c *gin.Context) UserContext {
	if v, ok := c.Get(userContextKey); ok {
		if user, ok := v.(UserContext); ok {
			return user
		}
	}
	return anonymousUser
}

// securityHeaders sets standard security response headers on every response.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
