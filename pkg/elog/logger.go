package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Logger is an interface that has the ability to hide debug/info
// output.
type Logger interface {
	Debugf(format string, x ...interface{})
	Errorf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Printf(format string, x ...interface{})
	Warnf(format string, x ...interface{})
	IsInfoEnabled() bool
	IsDebugEnabled() bool
}

// View is an interface that contains a logger and the ability to create
// progress bars.
type View interface {
	Logger
	ProgressReporter
}

// Discard is a Logger that drops everything. Useful as a default for
// library callers that did not provide one.
type Discard struct{}

// Debugf does nothing.
func (*Discard) Debugf(format string, x ...interface{}) {}

// Errorf does nothing.
func (*Discard) Errorf(format string, x ...interface{}) {}

// Infof does nothing.
func (*Discard) Infof(format string, x ...interface{}) {}

// Printf does nothing.
func (*Discard) Printf(format string, x ...interface{}) {}

// Warnf does nothing.
func (*Discard) Warnf(format string, x ...interface{}) {}

// IsInfoEnabled returns false.
func (*Discard) IsInfoEnabled() bool { return false }

// IsDebugEnabled returns false.
func (*Discard) IsDebugEnabled() bool { return false }

// CLI is a generic logger for terminal output.
type CLI struct {
	DisableColors bool
	DisableTTY    bool
	IsDebug       bool
	IsVerbose     bool
	lock          sync.Mutex
}

// Debugf is a wrapper function that executes logrus.Tracef if debug is
// enabled.
func (log *CLI) Debugf(format string, x ...interface{}) {
	if log.IsDebug {
		logrus.Tracef(format, x...)
	}
}

// Errorf is a wrapper function that executes logrus.Errorf.
func (log *CLI) Errorf(format string, x ...interface{}) {
	logrus.Errorf(format, x...)
}

// Infof is a wrapper function that executes logrus.Debugf only if
// verbose is enabled.
func (log *CLI) Infof(format string, x ...interface{}) {
	if log.IsVerbose {
		logrus.Debugf(format, x...)
	}
}

// Printf is a wrapper function that executes logrus.Printf.
func (log *CLI) Printf(format string, x ...interface{}) {
	logrus.Printf(format, x...)
}

// Warnf is a wrapper function that executes logrus.Warnf.
func (log *CLI) Warnf(format string, x ...interface{}) {
	logrus.Warnf(format, x...)
}

// IsInfoEnabled returns whether InfoLevel logging is enabled.
func (log *CLI) IsInfoEnabled() bool {
	return logrus.IsLevelEnabled(logrus.InfoLevel)
}

// IsDebugEnabled returns whether DebugLevel logging is enabled.
func (log *CLI) IsDebugEnabled() bool {
	return logrus.IsLevelEnabled(logrus.DebugLevel)
}

// Format formats a logrus entry for terminal use.
func (log *CLI) Format(entry *logrus.Entry) ([]byte, error) {

	faint := color.New(color.Faint).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	blue := color.New(color.FgBlue).SprintFunc()

	x := entry.Message
	if !log.DisableColors {
		switch entry.Level {
		case logrus.TraceLevel:
			x = faint(x)
		case logrus.DebugLevel:
			x = blue(x)
		case logrus.WarnLevel:
			x = yellow(x)
		case logrus.ErrorLevel:
			x = red(x)
		default:
		}
	}

	return []byte(fmt.Sprintf("%s\n", x)), nil
}
