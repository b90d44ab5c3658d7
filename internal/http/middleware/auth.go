package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"modelopt/internal/auth"
)

// UserIDLocalKey holds the authenticated caller id in Fiber's context locals.
const UserIDLocalKey = "user_id"

// Authenticate resolves an optional bearer token. Requests without an
// Authorization header continue anonymously; a header that does not verify
// is rejected with 401.
func Authenticate(a auth.Authenticator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return c.Next()
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "malformed authorization header")
		}
		id, err := a.Verify(c.UserContext(), strings.TrimSpace(token))
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}
		c.Locals(UserIDLocalKey, id.UserID)
		return c.Next()
	}
}

// RequireIdentity rejects anonymous callers with 401.
func RequireIdentity() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if UserID(c) == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "authentication required")
		}
		return c.Next()
	}
}

// UserID returns the caller id set by Authenticate, or "" when anonymous.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(UserIDLocalKey).(string)
	return id
}
