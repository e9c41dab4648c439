package ivr

import "strings"

// maxPending bounds the parser's held text. A model that opens a tag and
// never closes it would otherwise buffer its whole response; past the bound
// the held text is released as ordinary speech.
const maxPending = 256

// actionKind discriminates parser outputs.
type actionKind int

const (
	actionText actionKind = iota
	actionDTMF
	actionStatus
)

// action is one parsed unit of LLM output: plain text, a completed
// <dtmf> tag, or a completed <ivr> tag.
type action struct {
	kind  actionKind
	value string
}

// tag pairs recognised by the aggregator.
var tagPairs = []struct {
	open, close string
	kind        actionKind
}{
	{"<dtmf>", "</dtmf>", actionDTMF},
	{"<ivr>", "</ivr>", actionStatus},
}

// tagAggregator reassembles tag pairs from streamed text chunks. Tags may be
// split across chunk boundaries in any way; text between tags is emitted in
// order. Not safe for concurrent use.
type tagAggregator struct {
	buf strings.Builder
}

// feed consumes one chunk and returns the actions completed by it.
func (a *tagAggregator) feed(chunk string) []action {
	a.buf.WriteString(chunk)
	s := a.buf.String()
	a.buf.Reset()

	var out []action
	for s != "" {
		i := strings.IndexByte(s, '<')
		if i < 0 {
			out = appendText(out, s)
			return out
		}
		out = appendText(out, s[:i])
		s = s[i:]

		if act, rest, complete := matchTag(s); complete {
			out = append(out, act)
			s = rest
			continue
		}
		if couldBeTag(s) && len(s) <= maxPending {
			// Hold the partial tag for the next chunk.
			a.buf.WriteString(s)
			return out
		}
		// A lone '<' that is not the start of a recognised tag is speech.
		out = appendText(out, s[:1])
		s = s[1:]
	}
	return out
}

// flush returns any held partial text verbatim and resets the parser.
func (a *tagAggregator) flush() string {
	s := a.buf.String()
	a.buf.Reset()
	return s
}

// reset discards any held text.
func (a *tagAggregator) reset() {
	a.buf.Reset()
}

// matchTag reports whether s begins with a complete tag pair.
func matchTag(s string) (act action, rest string, complete bool) {
	for _, p := range tagPairs {
		if !strings.HasPrefix(s, p.open) {
			continue
		}
		end := strings.Index(s, p.close)
		if end < 0 {
			return action{}, "", false
		}
		value := strings.TrimSpace(s[len(p.open):end])
		return action{kind: p.kind, value: strings.ToLower(value)}, s[end+len(p.close):], true
	}
	return action{}, "", false
}

// couldBeTag reports whether s could still grow into a recognised tag pair.
func couldBeTag(s string) bool {
	for _, p := range tagPairs {
		if strings.HasPrefix(p.open, s) || strings.HasPrefix(s, p.open) {
			return true
		}
	}
	return false
}

// appendText adds a text action, merging with a preceding text action so
// chunk boundaries do not fragment spoken output.
func appendText(out []action, text string) []action {
	if text == "" {
		return out
	}
	if n := len(out); n > 0 && out[n-1].kind == actionText {
		out[n-1].value += text
		return out
	}
	return append(out, action{kind: actionText, value: text})
}

// RenderGoal interpolates {field} placeholders in a navigation-goal template
// with the given values. Unknown placeholders are left intact so a missing
// patient field is visible in logs rather than silently blank.
func RenderGoal(template string, fields map[string]string) string {
	if len(fields) == 0 {
		return template
	}
	pairs := make([]string, 0, len(fields)*2)
	for k, v := range fields {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
