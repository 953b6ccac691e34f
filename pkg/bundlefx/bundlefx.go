// bundlefx/bundlefx.go
package bundlefx

import (
	"github.com/joeydtaylor/steeze-vision/pkg/middleware/logger"
	"github.com/joeydtaylor/steeze-vision/pkg/middleware/metrics"
	"go.uber.org/fx"
)

// Module provides the application logger, the access-log middleware and the
// named "metrics" handler. A logger.Level must be supplied alongside.
var Module = fx.Options(
	logger.Module,
	metrics.Module,
)
