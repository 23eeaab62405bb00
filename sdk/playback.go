package voxgate

import (
	"sync"
)

// Player consumes raw 16-bit mono PCM. Implementations do the actual audio
// output; Playback only schedules chunks so they never overlap.
type Player interface {
	Play(pcm []byte) error
}

// PlaybackConfig configures chunk buffering.
type PlaybackConfig struct {
	// MinBufferMS is the minimum audio to accumulate before the first chunk
	// is handed to the player. This prevents glitches when the first
	// synthesized chunk is small. Default 50ms; 0 after a non-zero QueueSize
	// disables pre-buffering.
	MinBufferMS int

	// QueueSize is the number of pending chunks held for the player.
	// Default 20.
	QueueSize int
}

// DefaultPlaybackConfig returns the default buffering configuration.
func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		MinBufferMS: 50,
		QueueSize:   20,
	}
}

// Playback schedules synthesized audio chunks strictly one after another
// through a Player. Enqueue never blocks the session event loop; a full
// queue keeps the chunk buffered for the next Enqueue.
type Playback struct {
	player     Player
	sampleRate int
	cfg        PlaybackConfig

	chunks chan []byte
	done   chan struct{}

	mu     sync.Mutex
	buffer []byte
	ready  bool
	closed bool
	err    error
}

// NewPlayback starts the playback worker. sampleRate must match the PCM the
// gateway streams (8000 for telephony audio).
func NewPlayback(player Player, sampleRate int, cfg PlaybackConfig) *Playback {
	if cfg.MinBufferMS == 0 && cfg.QueueSize == 0 {
		cfg = DefaultPlaybackConfig()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 20
	}

	p := &Playback{
		player:     player,
		sampleRate: sampleRate,
		cfg:        cfg,
		chunks:     make(chan []byte, cfg.QueueSize),
		done:       make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *Playback) loop() {
	defer close(p.done)
	for chunk := range p.chunks {
		if err := p.player.Play(chunk); err != nil {
			p.mu.Lock()
			if p.err == nil {
				p.err = err
			}
			p.mu.Unlock()
		}
	}
}

// Enqueue adds one PCM chunk. Audio is pre-buffered until MinBufferMS is
// reached, then emitted in arrival order.
func (p *Playback) Enqueue(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.buffer = append(p.buffer, pcm...)

	// 16-bit mono: bytes = sampleRate * 2 * (ms / 1000)
	minBytes := (p.sampleRate * 2 * p.cfg.MinBufferMS) / 1000
	if !p.ready && len(p.buffer) >= minBytes {
		p.ready = true
	}

	if p.ready && len(p.buffer) > 0 {
		chunk := p.buffer
		p.buffer = nil
		select {
		case p.chunks <- chunk:
		default:
			// Queue full: keep the audio buffered and retry on the
			// next Enqueue.
			p.buffer = chunk
		}
	}
}

// Flush drops all pending audio and resets pre-buffering, e.g. when the
// caller interrupts the assistant.
func (p *Playback) Flush() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.buffer = nil
	p.ready = false
	p.mu.Unlock()

	for {
		select {
		case <-p.chunks:
		default:
			return
		}
	}
}

// Err returns the first player error, if any.
func (p *Playback) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close stops the worker after the queued chunks finish playing. Idempotent.
func (p *Playback) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.chunks)
	p.mu.Unlock()
	<-p.done
}
