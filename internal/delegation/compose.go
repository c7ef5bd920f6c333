// ABOUTME: Pure composition of supervisor text and specialist sub-replies into one reply
// ABOUTME: Also classifies how a reply was produced: direct, single or chained delegation

package delegation

import (
	"strings"

	"github.com/2389/coven-crew/internal/agent"
)

// Mode describes how a reply was produced.
type Mode int

const (
	Direct  Mode = iota // the supervisor answered alone
	Single              // specialist calls made independently of each other
	Chained             // at least one specialist worked from another's output
)

func (m Mode) String() string {
	switch m {
	case Direct:
		return "direct"
	case Single:
		return "single"
	case Chained:
		return "chained"
	}
	return "unknown"
}

// Classify reports the delegation mode for subs from how each step was made,
// not from how many there are.
func Classify(subs []agent.SubReply) Mode {
	if len(subs) == 0 {
		return Direct
	}
	for _, s := range subs {
		if s.Chained {
			return Chained
		}
	}
	return Single
}

// Compose builds the final reply text. The supervisor's own text wins when
// present; otherwise the last successful sub-reply is used; if every step
// failed the degraded step messages are joined.
func Compose(supervisorText string, subs []agent.SubReply) string {
	if text := strings.TrimSpace(supervisorText); text != "" {
		return text
	}
	for i := len(subs) - 1; i >= 0; i-- {
		if !subs[i].Failed && strings.TrimSpace(subs[i].Text) != "" {
			return subs[i].Text
		}
	}

	var failures []string
	for _, s := range subs {
		if s.Failed {
			failures = append(failures, s.Text)
		}
	}
	if len(failures) == 0 {
		return "I could not produce a response."
	}
	return strings.Join(failures, "\n")
}

// Failed reports whether any sub-reply failed.
func Failed(subs []agent.SubReply) bool {
	for _, s := range subs {
		if s.Failed {
			return true
		}
	}
	return false
}
