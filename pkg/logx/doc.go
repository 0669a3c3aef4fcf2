// Package logx configures jobkit's structured logging.
//
// Components take a logx.Logger (a small value wrapper over zerolog) so that:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON-structured
//   - Level and sinks can be swapped at runtime by Service.Apply
package logx
