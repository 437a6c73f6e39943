// Package logutil holds slog helpers.
package logutil

import "github.com/decred/slog"

// prefixLogger prepends a fixed prefix to the messages of a wrapped logger.
// The level is shared with the wrapped logger.
type prefixLogger struct {
	log    slog.Logger
	prefix string
}

func (p *prefixLogger) fmt(format string) string {
	return p.prefix + " " + format
}

func (p *prefixLogger) args(v []interface{}) []interface{} {
	return append([]interface{}{p.prefix}, v...)
}

func (p *prefixLogger) Tracef(format string, params ...interface{}) {
	p.log.Tracef(p.fmt(format), params...)
}

func (p *prefixLogger) Debugf(format string, params ...interface{}) {
	p.log.Debugf(p.fmt(format), params...)
}

func (p *prefixLogger) Infof(format string, params ...interface{}) {
	p.log.Infof(p.fmt(format), params...)
}

func (p *prefixLogger) Warnf(format string, params ...interface{}) {
	p.log.Warnf(p.fmt(format), params...)
}

func (p *prefixLogger) Errorf(format string, params ...interface{}) {
	p.log.Errorf(p.fmt(format), params...)
}

func (p *prefixLogger) Criticalf(format string, params ...interface{}) {
	p.log.Criticalf(p.fmt(format), params...)
}

func (p *prefixLogger) Trace(v ...interface{})    { p.log.Trace(p.args(v)...) }
func (p *prefixLogger) Debug(v ...interface{})    { p.log.Debug(p.args(v)...) }
func (p *prefixLogger) Info(v ...interface{})     { p.log.Info(p.args(v)...) }
func (p *prefixLogger) Warn(v ...interface{})     { p.log.Warn(p.args(v)...) }
func (p *prefixLogger) Error(v ...interface{})    { p.log.Error(p.args(v)...) }
func (p *prefixLogger) Critical(v ...interface{}) { p.log.Critical(p.args(v)...) }

func (p *prefixLogger) Level() slog.Level         { return p.log.Level() }
func (p *prefixLogger) SetLevel(level slog.Level) { p.log.SetLevel(level) }

// PrefixLogger returns a logger that prepends prefix to every message. An
// empty prefix returns log itself.
func PrefixLogger(log slog.Logger, prefix string) slog.Logger {
	if prefix == "" {
		return log
	}
	return &prefixLogger{log: log, prefix: prefix}
}
