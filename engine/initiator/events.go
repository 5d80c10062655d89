// Package initiator builds directed request->initiator graphs from recorded
// browser network events and projects them onto URL-variant granularities.
package initiator

import (
	"bufio"
	"fmt"
	"os"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/UCI-Networking-Group/AutoFR/engine/urlkit"
)

// Initiator types as they appear in request events.
const (
	InitiatorParser = "parser"
	InitiatorScript = "script"
)

// StackFrame is one call frame of a script initiator.
type StackFrame struct {
	URL string `json:"url"`
}

// Stack is a (possibly nested) script call stack.
type Stack struct {
	CallFrames []StackFrame `json:"callFrames"`
	Parent     *Stack       `json:"parent"`
}

// Initiator describes what caused a request.
type Initiator struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	RequestID string `json:"requestId"`
	Stack     *Stack `json:"stack"`
}

// RequestEvent is one recorded network request.
type RequestEvent struct {
	Timestamp   float64 `json:"timestamp"`
	RequestID   string  `json:"requestId"`
	DocumentURL string  `json:"documentURL"`
	Request     struct {
		URL string `json:"url"`
	} `json:"request"`
	Initiator *Initiator `json:"initiator"`
}

// The trace file is a performance log: one JSON object per line wrapping a
// devtools message as a string payload.
type traceLine struct {
	Message string `json:"message"`
}

type traceMessage struct {
	Message struct {
		Method string       `json:"method"`
		Params RequestEvent `json:"params"`
	} `json:"message"`
}

const requestWillBeSent = "Network.requestWillBeSent"

// ParseTraceFile reads the request events out of one per-iteration trace
// file, sorted by timestamp. Unparseable lines are logged and skipped.
func ParseTraceFile(path string, log *logrus.Entry) ([]RequestEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace %s: %w", path, err)
	}
	defer f.Close()

	var events []RequestEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var outer traceLine
		if err := jsoniter.Unmarshal(line, &outer); err != nil {
			log.Warnf("could not parse trace line: %v", err)
			continue
		}
		var msg traceMessage
		if err := jsoniter.UnmarshalFromString(outer.Message, &msg); err != nil {
			log.Warnf("could not parse trace message: %v", err)
			continue
		}
		if msg.Message.Method != requestWillBeSent {
			continue
		}
		ev := msg.Message.Params
		if urlkit.ShouldSkipURL(ev.DocumentURL) {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace %s: %w", path, err)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })
	return events, nil
}

// parentFromStack walks call frames, then parent stacks depth-first, and
// returns the first non-empty frame URL.
func parentFromStack(s *Stack) string {
	if s == nil {
		return ""
	}
	for _, frame := range s.CallFrames {
		if frame.URL != "" {
			return frame.URL
		}
	}
	return parentFromStack(s.Parent)
}

// parentURL resolves the parent of an event: parser initiators name their
// document, script initiators their deepest frame, request-id initiators the
// referenced event, and everything else falls back to the document URL.
func parentURL(ev RequestEvent, byRequestID map[string]RequestEvent) string {
	parent := ""
	if init := ev.Initiator; init != nil {
		switch init.Type {
		case InitiatorParser:
			parent = init.URL
		case InitiatorScript:
			parent = parentFromStack(init.Stack)
		}
		if parent == "" && init.RequestID != "" {
			if ref, ok := byRequestID[init.RequestID]; ok {
				parent = ref.Request.URL
			}
		}
	}
	if parent == "" {
		parent = ev.DocumentURL
	}
	if parent == ev.Request.URL || urlkit.ShouldSkipURL(parent) {
		return ""
	}
	return parent
}
