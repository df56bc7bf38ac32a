// Package logx configures shopd's structured logging.
//
// logx.Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp, short caller)
//   - file output is JSON, one event per line
//   - an optional alert sink forwards warn+ events to an operator chat,
//     rate limited and never blocking the caller
package logx
