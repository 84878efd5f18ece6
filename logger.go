// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package gsktable

import (
	"log"
	"os"
)

// Logger is the minimal sink the engine writes operational messages to.
// The only message the engine writes is a merge task aborted by an I/O
// error, through Errorf; the recovery-time garbage-file sweep is not
// logged.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type stdLogger struct {
	*log.Logger
}

func (l *stdLogger) Infof(format string, args ...interface{}) {
	l.Printf("INFO: "+format, args...)
}

func (l *stdLogger) Errorf(format string, args ...interface{}) {
	l.Printf("ERROR: "+format, args...)
}

var defaultLogger Logger = &stdLogger{log.New(os.Stderr, "gsktable: ", log.LstdFlags)}
