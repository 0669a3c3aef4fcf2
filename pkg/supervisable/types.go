package supervisable

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotStarted              = errors.New("supervisable not started")
	ErrAlreadyStarted          = errors.New("supervisable already started")
	ErrEnded                   = errors.New("supervisable already ended")
	ErrUnpositionedPlaceholder = errors.New("message text contains an unpositioned {} placeholder")
	ErrNoContext               = errors.New("supervisable has no business context")
)

// State is the lifecycle state of a Supervisable.
type State string

const (
	StateNew     State = "NEW"
	StateProcess State = "PROCESS"
	StateDone    State = "DONE"
	StateError   State = "ERROR"
)

// Mark is a non-exclusive tag used for downstream filtering and alerting.
type Mark string

const (
	MarkTrivial             Mark = "TRIVIAL"
	MarkUrgent              Mark = "URGENT"
	MarkSecurity            Mark = "SECURITY"
	MarkInternalStateChange Mark = "INTERNAL_STATE_CHANGE"
)

// ResultState is the declared outcome kind of an execution.
type ResultState string

const (
	WorksDone     ResultState = "WORKS_DONE"
	WorksCanceled ResultState = "WORKS_CANCELED"
	NothingToDo   ResultState = "NOTHING_TO_DO"
)

var (
	reUnpositioned = regexp.MustCompile(`\{\s*\}`)
	rePositioned   = regexp.MustCompile(`\{(\d+)\}`)
)

// Message is a templated, translatable text: Code identifies it, Default is the
// fallback text with positional placeholders ({0}, {1}, ...) filled from Vars.
type Message struct {
	Code    string `json:"code"`
	Default string `json:"default"`
	Vars    []any  `json:"vars,omitempty"`
}

// NewMessage validates the default text and returns a Message.
func NewMessage(code, text string, vars ...any) (Message, error) {
	if reUnpositioned.MatchString(text) {
		return Message{}, fmt.Errorf("%w: %q", ErrUnpositionedPlaceholder, text)
	}
	return Message{Code: code, Default: text, Vars: append([]any(nil), vars...)}, nil
}

// String renders the default text with its variables.
// Placeholders pointing past the end of Vars are left as-is.
func (m Message) String() string {
	return rePositioned.ReplaceAllStringFunc(m.Default, func(p string) string {
		idx, err := strconv.Atoi(strings.Trim(p, "{}"))
		if err != nil || idx < 0 || idx >= len(m.Vars) {
			return p
		}
		return fmt.Sprint(m.Vars[idx])
	})
}

// Result is the declared outcome of an execution.
type Result struct {
	State   ResultState `json:"state"`
	Message *Message    `json:"message,omitempty"`
}

// Step is one entry of the ordered step log.
type Step struct {
	At        time.Time `json:"at"`
	Message   Message   `json:"message"`
	CallerTag string    `json:"caller_tag,omitempty"`
}

// EndEvent is the immutable record produced when a Supervisable ends.
type EndEvent struct {
	ID           string          `json:"id"`
	SpoolName    string          `json:"spool"`
	JobName      string          `json:"job"`
	CreationDate time.Time       `json:"created"`
	StartDate    time.Time       `json:"started"`
	EndDate      time.Time       `json:"ended"`
	State        State           `json:"state"`
	Steps        []Step          `json:"steps,omitempty"`
	ContextType  string          `json:"context_type,omitempty"`
	Context      json.RawMessage `json:"context,omitempty"`
	Result       *Result         `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	Marks        []Mark          `json:"marks"`
	CallerTag    string          `json:"caller_tag,omitempty"`
}

// HasMark reports whether m is set on the event.
func (e EndEvent) HasMark(m Mark) bool {
	for _, x := range e.Marks {
		if x == m {
			return true
		}
	}
	return false
}

// Duration is the processing time between start and end.
func (e EndEvent) Duration() time.Duration {
	if e.StartDate.IsZero() || e.EndDate.IsZero() {
		return 0
	}
	return e.EndDate.Sub(e.StartDate)
}

func sortedMarks(set map[Mark]struct{}) []Mark {
	out := make([]Mark, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
