package logger

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the application logger at the supplied Level and the
// access-log middleware. Standard library log output (net/http server
// errors) is routed to the application logger while the app runs.
var Module = fx.Options(
	fx.Provide(ProvideLoggerMiddleware, ProvideLogger),
	fx.Invoke(redirectStdLog),
)

func ProvideLoggerMiddleware() *Middleware { return &Middleware{} }
func ProvideLogger(l Level) *zap.Logger    { return NewLogAt("system.log", ParseLevel(l)) }

func redirectStdLog(lc fx.Lifecycle, l *zap.Logger) {
	restore := zap.RedirectStdLog(l.Named("stdlog"))
	lc.Append(fx.StopHook(func() {
		restore()
		_ = l.Sync()
	}))
}
