package inventory

import "context"

type actorKey struct{}

// systemActor is recorded when no user is attached to the context
const systemActor = "system"

// WithActor attaches the acting user to ctx
// 操作ユーザーをコンテキストに設定
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFromContext returns the acting user, or "system" when none is set
// コンテキストから操作ユーザーを取得（未設定の場合は "system"）
func ActorFromContext(ctx context.Context) string {
	if userID, ok := ctx.Value(actorKey{}).(string); ok && userID != "" {
		return userID
	}
	return systemActor
}
