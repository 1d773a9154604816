package main

import (
	"github.com/pterm/pterm"

	"github.com/Zereker/rudp"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// ptermLogger adapts pterm's structured logger to rudp.Logger.
type ptermLogger struct {
	l *pterm.Logger
}

var _ rudp.Logger = ptermLogger{}

func newLogger(debug bool) ptermLogger {
	level := pterm.LogLevelInfo
	if debug {
		level = pterm.LogLevelDebug
	}
	return ptermLogger{l: pterm.DefaultLogger.WithLevel(level)}
}

func (p ptermLogger) Debug(msg string, args ...any) {
	p.l.Debug(msg, p.l.Args(args...))
}

func (p ptermLogger) Info(msg string, args ...any) {
	p.l.Info(msg, p.l.Args(args...))
}

func (p ptermLogger) Warn(msg string, args ...any) {
	p.l.Warn(msg, p.l.Args(args...))
}

func (p ptermLogger) Error(msg string, args ...any) {
	p.l.Error(msg, p.l.Args(args...))
}
