package log

import (
	"context"

	"github.com/rs/zerolog"
)

type (
	ctxKey     struct{}
	channelKey struct{}
)

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// Ctx retrieves the logger from the context.
// If no logger is found, the global logger is returned.
func Ctx(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return L()
}

// WithChannel returns a context whose logger carries the channel id. A
// context already tagged with the same channel is returned unchanged.
func WithChannel(ctx context.Context, channelID string) context.Context {
	if tagged, ok := ctx.Value(channelKey{}).(string); ok && tagged == channelID {
		return ctx
	}
	l := Ctx(ctx)
	ctx = context.WithValue(ctx, channelKey{}, channelID)
	return WithLogger(ctx, l.With().Str(FieldChannelID, channelID).Logger())
}
