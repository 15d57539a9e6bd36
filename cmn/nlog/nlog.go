// Package nlog - strata logger: leveled, buffered, timestamping, with
// optional file sinks and explicit flushing.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package nlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

const (
	sevInfo = iota
	sevWarn
	sevErr
	numSev
)

var sevChar = [numSev]byte{'I', 'W', 'E'}

type nlog struct {
	mu  sync.Mutex
	w   *bufio.Writer
	f   *os.File
	sev int
}

var (
	nlogs    [numSev]*nlog
	toStderr = true
	logDir   string
	title    string
)

func init() {
	for s := range numSev {
		nlogs[s] = &nlog{sev: s, w: bufio.NewWriter(os.Stderr)}
	}
}

// SetLogDir redirects output to <dir>/<title>.{INFO,ERROR} files; warnings
// share the info sink.
func SetLogDir(dir, t string) error {
	logDir, title = dir, t
	toStderr = false
	info, err := os.OpenFile(filepath.Join(dir, t+".INFO"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	errf, err := os.OpenFile(filepath.Join(dir, t+".ERROR"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		info.Close()
		return err
	}
	for _, l := range []*nlog{nlogs[sevInfo], nlogs[sevWarn]} {
		l.mu.Lock()
		l.f, l.w = info, bufio.NewWriter(info)
		l.mu.Unlock()
	}
	l := nlogs[sevErr]
	l.mu.Lock()
	l.f, l.w = errf, bufio.NewWriter(errf)
	l.mu.Unlock()
	return nil
}

func header(sev int, depth int) string {
	now := time.Now()
	_, file, line, ok := runtime.Caller(3 + depth)
	if !ok {
		file, line = "???", 0
	}
	return fmt.Sprintf("%c %s %s:%d ", sevChar[sev],
		now.Format("15:04:05.000000"), filepath.Base(file), line)
}

func log(sev, depth int, format string, args ...any) {
	l := nlogs[sev]
	hdr := header(sev, depth)
	var body string
	if format == "" {
		body = fmt.Sprintln(args...)
	} else {
		body = fmt.Sprintf(format, args...)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			body += "\n"
		}
	}
	l.mu.Lock()
	l.w.WriteString(hdr)
	l.w.WriteString(body)
	if sev >= sevErr || toStderr {
		l.w.Flush()
	}
	l.mu.Unlock()
}

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }
func Infoln(args ...any)                  { log(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func Errorln(args ...any)                 { log(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }

func Flush() {
	for s := range numSev {
		l := nlogs[s]
		l.mu.Lock()
		l.w.Flush()
		if l.f != nil {
			l.f.Sync()
		}
		l.mu.Unlock()
	}
}
