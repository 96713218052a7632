package logx

import (
	"context"

	"pkt.systems/pslog"
)

type contextKey int

const challengeKey contextKey = iota

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithChallenge annotates the logger with the challenge id if present.
func WithChallenge(log pslog.Logger, challengeID string) pslog.Logger {
	if challengeID != "" {
		log = log.With("challenge", challengeID)
	}
	return log
}

// WithTrack annotates the logger with an editor track index.
func WithTrack(log pslog.Logger, track int) pslog.Logger {
	return log.With("track", track)
}

// WithSession annotates the logger with a session id when available.
func WithSession(log pslog.Logger, sessionID string) pslog.Logger {
	if sessionID != "" {
		log = log.With("session", sessionID)
	}
	return log
}

// ContextWithChallenge stores the challenge marker on the context for log de-duplication.
func ContextWithChallenge(ctx context.Context, challengeID string) context.Context {
	if ctx == nil || challengeID == "" {
		return ctx
	}
	return context.WithValue(ctx, challengeKey, challengeID)
}

// ChallengeLogger returns the context logger annotated with challengeID
// unless the context already carries that marker.
func ChallengeLogger(ctx context.Context, challengeID string) pslog.Logger {
	log := pslog.Ctx(ctx)
	if current, ok := ctx.Value(challengeKey).(string); ok && current == challengeID {
		return log
	}
	return WithChallenge(log, challengeID)
}

// ContextWithChallengeLogger attaches the logger and challenge marker to the context.
func ContextWithChallengeLogger(ctx context.Context, log pslog.Logger, challengeID string) context.Context {
	ctx = pslog.ContextWithLogger(ctx, WithChallenge(log, challengeID))
	return ContextWithChallenge(ctx, challengeID)
}
