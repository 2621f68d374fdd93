package store

import (
	"context"
	"sync"

	"github.com/astromechza/listmap/pkg/wire"
)

type memoryChannel struct {
	frames []wire.Frame
	ids    map[string]uint64
}

type Memory struct {
	mu       sync.Mutex
	channels map[string]*memoryChannel
}

func NewMemory() *Memory {
	return &Memory{channels: map[string]*memoryChannel{}}
}

func (m *Memory) channel(name string) *memoryChannel {
	c, ok := m.channels[name]
	if !ok {
		c = &memoryChannel{ids: map[string]uint64{}}
		m.channels[name] = c
	}
	return c
}

func (m *Memory) Append(_ context.Context, channel, id string, payload []byte) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.channel(channel)
	if seq, ok := c.ids[id]; ok {
		return seq, true, nil
	}
	seq := uint64(len(c.frames)) + 1
	c.frames = append(c.frames, wire.Frame{Seq: seq, ID: id, Payload: append([]byte(nil), payload...)})
	c.ids[id] = seq
	return seq, false, nil
}

func (m *Memory) Since(_ context.Context, channel string, after uint64) ([]wire.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[channel]
	if !ok || after >= uint64(len(c.frames)) {
		return nil, nil
	}
	return append([]wire.Frame(nil), c.frames[after:]...), nil
}

func (m *Memory) Head(_ context.Context, channel string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.channels[channel]; ok {
		return uint64(len(c.frames)), nil
	}
	return 0, nil
}

func (m *Memory) Close() error {
	return nil
}
