// Package batcher implements the per-channel output coalescer (spec.md
// §4.5.6): it absorbs a high-frequency stream of agent output lines and
// flushes them to the chat platform as consolidated messages, bounding how
// often the chat API is called.
package batcher

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults per spec.md §4.5.6.
const (
	DefaultMaxLines        = 5
	DefaultFlushDelay      = 500 * time.Millisecond
	DefaultMinSendInterval = 200 * time.Millisecond
)

// SendFunc delivers a batch of lines to the chat platform. Errors are
// logged but never propagated — a failed send must not stop future pushes.
type SendFunc func(lines []string) error

// Config configures a Batcher. Zero values fall back to the spec defaults.
type Config struct {
	MaxLines        int
	FlushDelay      time.Duration
	MinSendInterval time.Duration
	Send            SendFunc
	Logger          *zap.Logger
}

// Batcher coalesces Push calls for a single channel into consolidated sends.
// A flush happens when the buffer reaches MaxLines or FlushDelay elapses
// since the first buffered line, whichever comes first. Sends are then
// additionally spaced at least MinSendInterval apart.
type Batcher struct {
	mu sync.Mutex

	maxLines        int
	flushDelay      time.Duration
	minSendInterval time.Duration
	send            SendFunc
	log             *zap.Logger

	buf        []string
	flushTimer *time.Timer
	sendTimer  *time.Timer
	lastSendAt time.Time
	destroyed  bool
}

// New creates a Batcher. Call Destroy when the channel goes away so its
// timers are released.
func New(cfg Config) *Batcher {
	maxLines := cfg.MaxLines
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	flushDelay := cfg.FlushDelay
	if flushDelay <= 0 {
		flushDelay = DefaultFlushDelay
	}
	minSendInterval := cfg.MinSendInterval
	if minSendInterval <= 0 {
		minSendInterval = DefaultMinSendInterval
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Batcher{
		maxLines:        maxLines,
		flushDelay:      flushDelay,
		minSendInterval: minSendInterval,
		send:            cfg.Send,
		log:             log.Named("batcher"),
	}
}

// Push appends line to the pending batch. It flushes immediately once the
// batch reaches MaxLines, or arms a flush timer for the first line of a new
// batch.
func (b *Batcher) Push(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return
	}

	b.buf = append(b.buf, line)
	if len(b.buf) >= b.maxLines {
		b.flushLocked()
		return
	}
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.flushDelay, b.onFlushTimer)
	}
}

func (b *Batcher) onFlushTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.flushLocked()
}

// flushLocked takes ownership of the buffered lines and schedules their
// send, holding back as needed to satisfy minSendInterval since the last
// send. Callers must hold mu.
func (b *Batcher) flushLocked() {
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	if len(b.buf) == 0 {
		return
	}
	lines := b.buf
	b.buf = nil

	wait := time.Until(b.lastSendAt.Add(b.minSendInterval))
	if wait <= 0 {
		b.lastSendAt = time.Now()
		go b.doSend(lines)
		return
	}

	// Reserve the next send slot now, so a further flush before this timer
	// fires is queued behind it instead of replacing it.
	b.lastSendAt = time.Now().Add(wait)
	b.sendTimer = time.AfterFunc(wait, func() {
		b.mu.Lock()
		if b.destroyed {
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		b.doSend(lines)
	})
}

// doSend calls the configured SendFunc, logging but swallowing any error or
// panic so a broken chat-platform call never takes down the caller.
func (b *Batcher) doSend(lines []string) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("batcher: send panicked", zap.Any("panic", r))
		}
	}()
	if err := b.send(lines); err != nil {
		b.log.Warn("batcher: send failed", zap.Error(err), zap.Int("lines", len(lines)))
	}
}

// Destroy stops all pending timers and discards any unflushed lines so the
// batcher can never fire again after the channel's instance is torn down.
func (b *Batcher) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.destroyed = true
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	if b.sendTimer != nil {
		b.sendTimer.Stop()
		b.sendTimer = nil
	}
	b.buf = nil
}
