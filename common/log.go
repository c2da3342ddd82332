package common

import "github.com/cyclopcam/logs"

// nopLog discards everything.
type nopLog struct{}

var _ logs.Log = nopLog{}

func (nopLog) Close()                                    {}
func (nopLog) Debugf(format string, a ...interface{})    {}
func (nopLog) Infof(format string, a ...interface{})     {}
func (nopLog) Warnf(format string, a ...interface{})     {}
func (nopLog) Errorf(format string, a ...interface{})    {}
func (nopLog) Criticalf(format string, a ...interface{}) {}

// LogOrDiscard returns l, or a logger that discards everything when l is nil.
func LogOrDiscard(l logs.Log) logs.Log {
	if l == nil {
		return nopLog{}
	}
	return l
}
