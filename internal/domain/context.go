package domain

import "context"

type ctxKey string

const missionCtxKey ctxKey = "mission_id"

// ContextWithMissionID returns a new context carrying the mission ID (ULID).
func ContextWithMissionID(ctx context.Context, missionID string) context.Context {
	return context.WithValue(ctx, missionCtxKey, missionID)
}

// MissionIDFromContext extracts the mission ID from the context.
// Returns empty string if not set.
func MissionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(missionCtxKey).(string); ok {
		return v
	}
	return ""
}
