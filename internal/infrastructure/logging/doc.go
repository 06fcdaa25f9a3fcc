// Package logging builds the bridge's structured log/slog logger.
//
// Every entry carries service and version fields. Configuration comes from
// the logging section of config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Components derive child loggers with With and pass *Logger down.
// Device tokens are only ever logged through TokenPrefix:
//
//	logger.Info("client registered", "token", logging.TokenPrefix(token))
package logging
