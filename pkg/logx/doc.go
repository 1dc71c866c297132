// Package logx configures tabrunner's structured logging.
//
// A small wrapper (logx.Logger) sits on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional operator sink (min-level + rate limiting), used to
//     forward warnings to the Telegram bot
package logx
