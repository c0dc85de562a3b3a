package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestTestLogger_Assertions(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Warn(ctx, "stale execution escalated", zap.String("pkg.id", "pkg-scale-ads"), zap.Int("deferrals", 2))

	tl.AssertLogged(t, zapcore.WarnLevel, "stale execution")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "stale execution")
	tl.AssertField(t, "stale execution", "pkg.id", "pkg-scale-ads")
	tl.AssertField(t, "stale execution", "deferrals", int64(2))

	tl.Reset()
	if len(tl.All()) != 0 {
		t.Fatalf("Reset() left %d entries", len(tl.All()))
	}
}
