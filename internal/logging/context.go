// Adapted from Cartographus (https://github.com/tomtom215/cartographus)
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

func NewCorrelationID() string {
	return "corr_" + uuid.NewString()
}

func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// Ctx returns base enriched with the correlation ID carried by ctx, if any.
func Ctx(ctx context.Context, base zerolog.Logger) *zerolog.Logger {
	l := base
	if id := CorrelationIDFromContext(ctx); id != "" {
		l = base.With().Str("correlation_id", id).Logger()
	}
	return &l
}
