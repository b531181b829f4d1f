package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func doAuditLog(t *testing.T, ctx context.Context, data AuditData) observer.LoggedEntry {
	core, logs := observer.New(zap.InfoLevel)

	NewAuditLog(zap.New(core)).Log(ctx, data)

	entries := logs.All()
	require.Len(t, entries, 1)

	return entries[0]
}

func TestAuditHappyPath(t *testing.T) {
	entry := doAuditLog(t, WithUser(context.Background(), "wibble@bibble.com"), AuditData{
		"operation": "query",
		"query":     "{ ping }",
	})

	assert.Equal(t, "audit", entry.LoggerName)
	assert.Equal(t, "audit", entry.Message)

	fields := entry.ContextMap()
	assert.Equal(t, "wibble@bibble.com", fields["user"])
	assert.Equal(t, "query", fields["operation"])
	assert.Equal(t, "{ ping }", fields["query"])
}

func TestMissingUser(t *testing.T) {
	entry := doAuditLog(t, context.Background(), AuditData{"operation": "mutation"})

	_, ok := entry.ContextMap()["user"]
	assert.False(t, ok)
	assert.Equal(t, "", UserFrom(context.Background()))
}

func TestFieldsAreSorted(t *testing.T) {
	entry := doAuditLog(t, context.Background(), AuditData{"b": 1, "a": 2, "c": 3})

	keys := []string{}
	for _, f := range entry.Context {
		keys = append(keys, f.Key)
	}

	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() { Nop.Log(context.Background(), AuditData{"a": 1}) })
}
