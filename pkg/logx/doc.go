// Package logx is eewbot's structured logging on top of zerolog.
//
// Console output is human readable with a short caller, the file sink
// writes JSON lines, and an optional Telegram sink forwards warnings to the
// operators' log group at a bounded rate.
package logx
