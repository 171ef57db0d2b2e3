package diligent

import (
	"encoding/json"
)

const loopDetectorWindow = 10

// LoopDetection is the result of LoopDetector.Check.
type LoopDetection struct {
	Detected      bool
	PatternLength int
	ToolName      string
}

// LoopDetector maintains a sliding window of tool-call signatures and
// reports repeating patterns of length 1-3.
type LoopDetector struct {
	window []string // toolName \x00 json(input)
	names  []string // toolName for each signature, parallel to window
}

// NewLoopDetector constructs an empty detector.
func NewLoopDetector() *LoopDetector {
	return &LoopDetector{}
}

// Record appends one tool call's signature to the sliding window,
// dropping the oldest entry once the window exceeds loopDetectorWindow.
func (d *LoopDetector) Record(toolName string, input json.RawMessage) {
	sig := toolName + "\x00" + canonicalize(input)
	d.window = append(d.window, sig)
	d.names = append(d.names, toolName)
	if len(d.window) > loopDetectorWindow {
		d.window = d.window[len(d.window)-loopDetectorWindow:]
		d.names = d.names[len(d.names)-loopDetectorWindow:]
	}
}

// Check looks for the smallest pattern length L in {1,2,3} such that the
// last 3*L signatures are three consecutive repetitions of the same L
// signatures.
func (d *LoopDetector) Check() LoopDetection {
	for l := 1; l <= 3; l++ {
		need := 3 * l
		if len(d.window) < need {
			continue
		}
		tail := d.window[len(d.window)-need:]
		a, b, c := tail[0:l], tail[l:2*l], tail[2*l:3*l]
		if equalStrSlices(a, b) && equalStrSlices(b, c) {
			return LoopDetection{Detected: true, PatternLength: l, ToolName: d.names[len(d.names)-1]}
		}
	}
	return LoopDetection{}
}

func equalStrSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// canonicalize stringifies a tool call's input for signature comparison.
// It re-marshals through a generic map/slice so that object key order is
// normalized (Go's encoding/json already sorts map keys on Marshal,
// unlike some implementations, which avoids the false-negative risk
// spec.md's open questions call out for this mechanism).
func canonicalize(input json.RawMessage) string {
	if len(input) == 0 {
		return "null"
	}
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return string(input)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(input)
	}
	return string(out)
}
