// Package logx configures crosspost's structured logging.
//
// Components take a logx.Logger (a thin value type over zerolog) and derive
// child loggers with With(). The Service owns the zerolog root:
//   - Console output readable (short timestamp + short caller)
//   - Optional JSON file sink for shipping
//   - Level and sinks swappable at runtime through Apply
package logx
