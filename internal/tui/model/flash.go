package model

import (
	"sync"
	"time"
)

// FlashLevel selects how a flash message is rendered.
type FlashLevel int

const (
	FlashInfo FlashLevel = iota
	FlashError
)

// Flash holds transient notification messages.
type Flash struct {
	mu      sync.RWMutex
	message string
	level   FlashLevel
	expires time.Time
}

// Set stores an info message that expires after d.
func (f *Flash) Set(msg string, d time.Duration) {
	f.set(msg, FlashInfo, d)
}

// Error stores an error message that expires after d.
func (f *Flash) Error(msg string, d time.Duration) {
	f.set(msg, FlashError, d)
}

func (f *Flash) set(msg string, level FlashLevel, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.level = level
	f.expires = time.Now().Add(d)
}

// Get returns the current flash message and its level, or empty if expired.
func (f *Flash) Get() (string, FlashLevel) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if time.Now().After(f.expires) {
		return "", FlashInfo
	}
	return f.message, f.level
}
