package decision

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/pagepilot/internal/automation"
)

// Script is a canned run: the batches a decision service would return, in order.
type Script struct {
	Name      string                   `json:"name,omitempty"`
	SessionID string                   `json:"sessionId,omitempty"`
	Steps     []automation.ActionBatch `json:"steps"`
}

// Scripted replays a Script. Once the steps run out it returns empty batches,
// which the engine treats as completion.
type Scripted struct {
	mu       sync.Mutex
	script   Script
	next     int
	requests []StepRequest
}

var _ Service = (*Scripted)(nil)

// NewScripted wraps a script.
func NewScripted(script Script) *Scripted {
	return &Scripted{script: script}
}

// LoadScript reads a Script from a JSON file.
func LoadScript(path string) (*Scripted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}
	var script Script
	if err := json.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("failed to parse script %s: %w", path, err)
	}
	return NewScripted(script), nil
}

func (s *Scripted) InitSession(ctx context.Context, objective string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.script.SessionID != "" {
		return s.script.SessionID, nil
	}
	return "scripted-" + uuid.New().String(), nil
}

func (s *Scripted) NextAction(ctx context.Context, req StepRequest) (automation.ActionBatch, error) {
	if err := ctx.Err(); err != nil {
		return automation.ActionBatch{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.next >= len(s.script.Steps) {
		return automation.ActionBatch{}, nil
	}
	batch := s.script.Steps[s.next]
	s.next++
	return batch, nil
}

// Requests returns a copy of every step request received so far.
func (s *Scripted) Requests() []StepRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StepRequest, len(s.requests))
	copy(out, s.requests)
	return out
}
