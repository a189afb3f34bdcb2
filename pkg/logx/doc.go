// Package logx provides structured logging for the bot.
//
// It wraps zerolog behind a small Logger facade so components can log without
// knowing about sinks, and a Service that hot-swaps sinks (console, file, and
// a rate-limited Telegram mirror to the operator chat) on config reload.
package logx
