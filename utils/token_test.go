package utils

import (
	"context"
	"testing"

	"github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJwtRoundTrip(t *testing.T) {
	token, err := JwtGenerate(42, "operator", "tablet-7")
	require.NoError(t, err)

	parsed, err := JwtValidate(token)
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claim, ok := parsed.Claims.(*JwtCustomClaim)
	require.True(t, ok)
	assert.Equal(t, int64(42), claim.ID)
	assert.Equal(t, "operator", claim.Role)
	assert.Equal(t, "tablet-7", claim.DeviceID)
	assert.Greater(t, claim.ExpiresAt, claim.IssuedAt)
}

func TestJwtValidateRejectsForeignSecret(t *testing.T) {
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, &JwtCustomClaim{ID: 1})
	signed, err := forged.SignedString([]byte("another-secret"))
	require.NoError(t, err)

	_, err = JwtValidate(signed)
	assert.Error(t, err)
}

func TestJwtGenerateBadLifespan(t *testing.T) {
	t.Setenv("TOKEN_HOUR_LIFESPAN", "one day")
	_, err := JwtGenerate(1, "operator", "")
	assert.Error(t, err)
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, UserIdPtr(ctx))

	ctx = SetUserIdInContext(ctx, 9)
	ctx = SetUserRoleInContext(ctx, "admin")
	ctx = SetDeviceIdInContext(ctx, "adb-1")
	ctx = SetCorrelationIdInContext(ctx, "cid")
	ctx = SetTokenInContext(ctx, "tok")

	id, ok := GetUserIdFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, int64(9), id)
	require.NotNil(t, UserIdPtr(ctx))
	assert.Equal(t, int64(9), *UserIdPtr(ctx))

	role, _ := GetUserRoleFromContext(ctx)
	device, _ := GetDeviceIdFromContext(ctx)
	cid, _ := GetCorrelationIdFromContext(ctx)
	token, _ := GetTokenFromContext(ctx)
	assert.Equal(t, "admin", role)
	assert.Equal(t, "adb-1", device)
	assert.Equal(t, "cid", cid)
	assert.Equal(t, "tok", token)
}
