package main

import (
	"sync"
	"time"
)

const consoleLogLimit = 100

type consoleEntry struct {
	Cmd    string    `json:"cmd"`
	Output string    `json:"output"`
	Time   time.Time `json:"time"`
}

// consoleLog is the rolling dashboard command log. Handlers run
// concurrently, so all access goes through the mutex.
type consoleLog struct {
	mx      sync.Mutex
	entries []consoleEntry
}

func (l *consoleLog) append(cmd, output string) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.entries = append(l.entries, consoleEntry{Cmd: cmd, Output: output, Time: time.Now()})
	if len(l.entries) > consoleLogLimit {
		l.entries = l.entries[len(l.entries)-consoleLogLimit:]
	}
}

func (l *consoleLog) snapshot() []consoleEntry {
	l.mx.Lock()
	defer l.mx.Unlock()
	out := make([]consoleEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
