package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/angelmondragon/mate-payments/pkg/enums"
	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeAccess is the only token_type accepted on API calls. Tokens minted
// before the claim existed carry no token_type and are treated as access tokens.
const TokenTypeAccess = "access"

type AccessTokenPayload struct {
	UserID int64
	Role   enums.MemberRole
	JTI    string
}

type AccessTokenClaims struct {
	UserID    int64            `json:"user_id"`
	Role      enums.MemberRole `json:"role"`
	TokenType string           `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// Validate runs after the registered claims checks inside the jwt parser.
func (c *AccessTokenClaims) Validate() error {
	if c.UserID <= 0 {
		return errors.New("token carries no user id")
	}
	if c.TokenType != "" && c.TokenType != TokenTypeAccess {
		return fmt.Errorf("token_type %q is not an access token", c.TokenType)
	}
	role, err := normalizeRole(string(c.Role))
	if err != nil {
		return err
	}
	c.Role = role
	return nil
}

// normalizeRole accepts both "admin" and the upstream "ROLE_ADMIN" spelling.
func normalizeRole(raw string) (enums.MemberRole, error) {
	trimmed := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "ROLE_"))
	return enums.ParseMemberRole(trimmed)
}
