// Package logx is waterbender's structured logging on top of zerolog.
//
// A Service owns the sinks (console, JSON file, operator Telegram chat) and
// can swap them on config reload; every Logger it hands out follows along.
package logx
