package model

import (
	"context"
	"sync"
	"time"
)

// MockModel is a ChatModel for tests.
//
// It returns a configured response (or error) and records every call.
// Safe for concurrent use.
//
// Example:
//
//	m := &model.MockModel{Out: model.ChatOut{Text: "mocked"}}
//	out, _ := m.Chat(ctx, messages)
//	if m.CallCount() != 1 { ... }
type MockModel struct {
	// Out is returned from Chat when Err is nil.
	Out ChatOut

	// Err, if set, is returned from every Chat call.
	Err error

	// Delay, if set, makes Chat wait before responding (or returning
	// early on context cancellation).
	Delay time.Duration

	// Responder, if set, overrides Out/Err and computes the response
	// from the messages.
	Responder func(messages []Message) (ChatOut, error)

	mu    sync.Mutex
	calls [][]Message
}

// Chat records the call and returns the configured response.
func (m *MockModel) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	m.mu.Lock()
	snapshot := make([]Message, len(messages))
	copy(snapshot, messages)
	m.calls = append(m.calls, snapshot)
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ChatOut{}, ctx.Err()
		}
	}

	if m.Responder != nil {
		return m.Responder(messages)
	}
	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	return m.Out, nil
}

// CallCount returns how many times Chat was called.
func (m *MockModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Calls returns a copy of every recorded conversation.
func (m *MockModel) Calls() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]Message, len(m.calls))
	copy(out, m.calls)
	return out
}
