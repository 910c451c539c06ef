package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/mate-payments/pkg/config"
	"github.com/angelmondragon/mate-payments/pkg/enums"
)

var testJWT = config.JWTConfig{Secret: "0123456789abcdef0123456789abcdef", Issuer: "mate", ExpirationMinutes: 30}

func sign(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWT.Secret))
	require.NoError(t, err)
	return raw
}

func registered(now time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Issuer: testJWT.Issuer, ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))}
}

func TestMintThenVerify(t *testing.T) {
	now := time.Now().UTC()
	raw, err := MintAccessToken(testJWT, now, AccessTokenPayload{UserID: 42, Role: enums.MemberRoleAdmin})
	require.NoError(t, err)

	verifier, err := NewVerifier(testJWT)
	require.NoError(t, err)
	claims, err := verifier.Verify(raw)
	require.NoError(t, err)

	require.EqualValues(t, 42, claims.UserID)
	require.Equal(t, enums.MemberRoleAdmin, claims.Role)
	require.Equal(t, TokenTypeAccess, claims.TokenType)
	require.Equal(t, "42", claims.Subject)
	require.NotEmpty(t, claims.ID)
	require.WithinDuration(t, now.Add(30*time.Minute), claims.ExpiresAt.Time, time.Second)
}

func TestVerifyRejects(t *testing.T) {
	now := time.Now()
	good, err := MintAccessToken(testJWT, now, AccessTokenPayload{UserID: 7, Role: enums.MemberRoleUser})
	require.NoError(t, err)
	expired, err := MintAccessToken(testJWT, now.Add(-2*time.Hour), AccessTokenPayload{UserID: 7, Role: enums.MemberRoleUser})
	require.NoError(t, err)

	otherIssuer := testJWT
	otherIssuer.Issuer = "someone-else"

	cases := map[string]struct {
		cfg config.JWTConfig
		raw string
	}{
		"tampered signature": {testJWT, good + "x"},
		"wrong issuer":       {otherIssuer, good},
		"expired":            {testJWT, expired},
		"refresh token": {testJWT, sign(t, &AccessTokenClaims{
			UserID: 7, Role: enums.MemberRoleUser, TokenType: "refresh", RegisteredClaims: registered(now),
		})},
		"no user": {testJWT, sign(t, &AccessTokenClaims{Role: enums.MemberRoleUser, RegisteredClaims: registered(now)})},
		"link mode role": {testJWT, sign(t, &AccessTokenClaims{
			UserID: 99, Role: "LINK_MODE", TokenType: TokenTypeAccess, RegisteredClaims: registered(now),
		})},
		"no expiry": {testJWT, sign(t, &AccessTokenClaims{
			UserID: 7, Role: enums.MemberRoleUser, RegisteredClaims: jwt.RegisteredClaims{Issuer: testJWT.Issuer},
		})},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAccessToken(tc.cfg, tc.raw)
			require.Error(t, err)
		})
	}
}

func TestVerifyAcceptsLegacyUpstreamTokens(t *testing.T) {
	raw := sign(t, &AccessTokenClaims{UserID: 1, Role: "ROLE_USER", RegisteredClaims: registered(time.Now())})

	claims, err := ParseAccessToken(testJWT, raw)
	require.NoError(t, err)
	require.Equal(t, enums.MemberRoleUser, claims.Role)
	require.Empty(t, claims.TokenType)
}

func TestMintRejectsBadInput(t *testing.T) {
	_, err := MintAccessToken(testJWT, time.Now(), AccessTokenPayload{UserID: 1})
	require.Error(t, err)
	_, err = MintAccessToken(testJWT, time.Now(), AccessTokenPayload{Role: enums.MemberRoleUser})
	require.Error(t, err)
	_, err = MintAccessToken(config.JWTConfig{Issuer: "mate", ExpirationMinutes: 5}, time.Now(), AccessTokenPayload{UserID: 1, Role: enums.MemberRoleUser})
	require.Error(t, err)
	_, err = NewVerifier(config.JWTConfig{Secret: "s"})
	require.Error(t, err)
}
