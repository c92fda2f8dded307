// Package telemetry provides the observability stack for sift: structured logging
// (zerolog), tracing (OpenTelemetry) and metrics (Prometheus).
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger.WithDomain("sms").Info("Domain registered")
//
// Plugins receive a [PluginLogger], which satisfies plugin.Logger:
//
//	pl := logger.PluginLogger()
//	pl.Info("classified", map[string]any{"type": "spam"})
//
// # Metrics
//
// Metrics are registered on a private registry and exposed through
// [Metrics.Handler]. When metrics are disabled every Record method is a no-op.
package telemetry
