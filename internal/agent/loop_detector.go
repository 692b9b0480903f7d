package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// toolLoopWarnThreshold is the number of consecutive identical tool calls
// (same name + args) that triggers a warning nudge to the model.
const toolLoopWarnThreshold = 3

// toolLoopCriticalThreshold aborts the run: the model is stuck calling the
// same tool with the same arguments and getting the same result back.
const toolLoopCriticalThreshold = 6

// toolLoopState detects a model repeatedly calling the same tool with the
// same arguments and making no progress (identical results each time).
type toolLoopState struct {
	lastHash   string
	lastResult string
	repeats    int
}

// record hashes a tool name + its arguments and updates the repeat streak.
// Returns the hash, to be passed to recordResult/detect for this call.
func (s *toolLoopState) record(name string, args map[string]interface{}) string {
	hash := hashToolCall(name, args)
	if hash == s.lastHash {
		s.repeats++
	} else {
		s.lastHash = hash
		s.repeats = 1
		s.lastResult = ""
	}
	return hash
}

// recordResult stores the tool's result so the next detect() call can tell
// whether the model is making progress or looping on an unchanged result.
func (s *toolLoopState) recordResult(hash, result string) {
	if hash != s.lastHash {
		return
	}
	if result != s.lastResult {
		// Result changed — progress is being made, reset the streak.
		s.repeats = 1
	}
	s.lastResult = result
}

// detect reports whether the current streak has crossed a warning or
// critical threshold. level is "" (no issue), "warning", or "critical".
func (s *toolLoopState) detect(name, hash string) (level, msg string) {
	if hash != s.lastHash {
		return "", ""
	}
	switch {
	case s.repeats >= toolLoopCriticalThreshold:
		return "critical", name + " called repeatedly with no change in result"
	case s.repeats >= toolLoopWarnThreshold:
		return "warning", "You've called " + name + " several times with the same arguments and gotten the same result. Try a different approach."
	default:
		return "", ""
	}
}

func hashToolCall(name string, args map[string]interface{}) string {
	b, _ := json.Marshal(args)
	sum := sha256.Sum256(append([]byte(name+":"), b...))
	return hex.EncodeToString(sum[:])
}
