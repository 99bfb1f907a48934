package main

import (
	"io"
	"log"

	"github.com/hashicorp/logutils"
)

// setupLogging installs a level-filtering writer in front of the stdlib
// logger, the same mechanism consul-template/logging wraps around
// hashicorp/logutils; the engine and its components already log with
// log.Printf("[LEVEL] ...") bracketed tags, so filtering on that prefix is
// all that is needed here.
func setupLogging(level string, w io.Writer) {
	filter := &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERR"},
		MinLevel: logutils.LogLevel(level),
		Writer:   w,
	}
	log.SetOutput(filter)
	log.SetFlags(log.Ldate | log.Ltime)
}
