package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// LocalPublisher fans events out to in-process subscribers.
// Slow subscribers miss events instead of blocking publishers.
type LocalPublisher struct {
	mu          sync.RWMutex
	subscribers map[string][]chan []byte
}

func NewLocalPublisher() *LocalPublisher {
	return &LocalPublisher{subscribers: make(map[string][]chan []byte)}
}

func (p *LocalPublisher) Publish(_ context.Context, channel string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event for %s: %w", channel, err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, subscriber := range p.subscribers[channel] {
		select {
		case subscriber <- encoded:
		default:
		}
	}
	return nil
}

// Subscribe returns a buffered channel receiving raw JSON events and a cancel func.
func (p *LocalPublisher) Subscribe(channel string, buffer int) (<-chan []byte, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan []byte, buffer)

	p.mu.Lock()
	p.subscribers[channel] = append(p.subscribers[channel], ch)
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			current := p.subscribers[channel]
			for i, candidate := range current {
				if candidate == ch {
					p.subscribers[channel] = append(current[:i], current[i+1:]...)
					break
				}
			}
		})
	}
}
