package audit

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

type contextKey string

const UserContextKey = contextKey("user")

// AuditData describes one audited action.
type AuditData map[string]interface{}

type Logger interface {
	Log(context.Context, AuditData)
}

type LoggerFunc func(context.Context, AuditData)

func (fn LoggerFunc) Log(ctx context.Context, data AuditData) { fn(ctx, data) }

// Nop drops every entry.
var Nop Logger = LoggerFunc(func(context.Context, AuditData) {})

type auditLog struct {
	logger *zap.Logger
}

// NewAuditLog writes every entry at info level on a logger named audit.
func NewAuditLog(logger *zap.Logger) Logger {
	return &auditLog{logger: logger.Named("audit")}
}

func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

func UserFrom(ctx context.Context) string {
	user, _ := ctx.Value(UserContextKey).(string)
	return user
}

func (l *auditLog) Log(ctx context.Context, data AuditData) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]zap.Field, 0, len(keys)+1)
	if user := UserFrom(ctx); user != "" {
		fields = append(fields, zap.String("user", user))
	}

	for _, k := range keys {
		fields = append(fields, zap.Any(k, data[k]))
	}

	l.logger.Info("audit", fields...)
}
