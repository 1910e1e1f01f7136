package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/genealogy_backend/appctx"
)

func GetTokenFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, appctx.ContextKeyToken)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyToken, token)
}

func GetUserIdFromContext(ctx context.Context) (int64, bool) {
	return appctx.GetInt64(ctx, appctx.ContextKeyUserId)
}

func SetUserIdInContext(ctx context.Context, userId int64) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyUserId, userId)
}

func GetUserRoleFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, appctx.ContextKeyUserRole)
}

func SetUserRoleInContext(ctx context.Context, role string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyUserRole, role)
}

func GetDeviceIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, appctx.ContextKeyDeviceId)
}

func SetDeviceIdInContext(ctx context.Context, deviceId string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyDeviceId, deviceId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, appctx.ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyCorrelationId, correlationId)
}

// UserIdPtr returns the authenticated user id, or nil for anonymous calls.
func UserIdPtr(ctx context.Context) *int64 {
	id, ok := GetUserIdFromContext(ctx)
	if !ok || id <= 0 {
		return nil
	}
	return &id
}
