package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// historyTurnMarker is the marker counted to derive the conversation-turn
// index of a prompt. Prompt builders that embed prior exchanges prefix each
// model turn with it.
const historyTurnMarker = "Assistant:"

// ScriptKey addresses one canned output: the prompt name plus how many
// prior model turns the prompt carries.
type ScriptKey struct {
	PromptName string
	Turn       int
}

// ScriptedInvoker is the deterministic test double for the model: the same
// prompt name and turn count always replay the same output, which makes
// stateful generation flows reproducible. Unscripted keys synthesize a
// stable structured-object payload so dev mode works without a script.
type ScriptedInvoker struct {
	mu      sync.Mutex
	outputs map[ScriptKey]string
	calls   []ScriptKey
}

func NewScriptedInvoker() *ScriptedInvoker {
	return &ScriptedInvoker{outputs: map[ScriptKey]string{}}
}

func (s *ScriptedInvoker) Model() string { return "scripted" }

func (s *ScriptedInvoker) Script(promptName string, turn int, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[ScriptKey{PromptName: promptName, Turn: turn}] = output
}

// Calls returns the keys invoked so far, in order.
func (s *ScriptedInvoker) Calls() []ScriptKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScriptKey, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *ScriptedInvoker) Invoke(_ context.Context, promptName, promptText string) (string, error) {
	key := ScriptKey{PromptName: promptName, Turn: ConversationTurnCount(promptText)}
	s.mu.Lock()
	s.calls = append(s.calls, key)
	canned, ok := s.outputs[key]
	s.mu.Unlock()
	if ok {
		return canned, nil
	}
	return fmt.Sprintf(`{"prompt_name": %q, "turn": %d, "scripted": false}`, promptName, key.Turn), nil
}

// ConversationTurnCount derives the turn index from history markers embedded
// in the prompt body.
func ConversationTurnCount(promptText string) int {
	return strings.Count(promptText, historyTurnMarker)
}
