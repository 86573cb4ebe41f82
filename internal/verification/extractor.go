// Package verification pulls one-time login codes out of inbox messages.
package verification

import (
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
)

// DefaultStoplist holds tokens known to show up in the service's mail
// templates without being a code.
var DefaultStoplist = []string{"GOOGLE", "GEMINI", "G00GLE", "GMAIL1"}

// Accept reports whether a candidate token may be a code.
type Accept func(token string) bool

// Rule is one extraction strategy.
type Rule struct {
	Name  string
	Match func(msg models.Message, accept Accept) (string, bool)
}

var (
	containerRe = regexp.MustCompile(`(?is)<[a-z][a-z0-9]*\b[^>]*verification[^>]*>\s*([A-Za-z0-9]{6})\s*<`)
	loneTokenRe = regexp.MustCompile(`>\s*([A-Z0-9]{6})\s*<`)
	labelledRe  = regexp.MustCompile(`(?i)(?:code\s+is|code\s*:|验证码)[\s:：]*([A-Za-z0-9]{6})\b`)
	fallbackRe  = regexp.MustCompile(`\b([A-Z0-9]{6})\b`)

	styleRe  = regexp.MustCompile(`(?is)<style\b.*?</style>`)
	scriptRe = regexp.MustCompile(`(?is)<script\b.*?</script>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	colourRe = regexp.MustCompile(`#[0-9A-Fa-f]{6}\b`)
)

// VerificationContainer finds a lone token wrapped by an element whose
// attributes mention "verification".
var VerificationContainer = Rule{
	Name: "verification-container",
	Match: func(msg models.Message, accept Accept) (string, bool) {
		return firstAccepted(containerRe, msg.HTML, accept)
	},
}

// HTMLLoneToken finds an element whose entire text is an uppercase token.
var HTMLLoneToken = Rule{
	Name: "html-lone-token",
	Match: func(msg models.Message, accept Accept) (string, bool) {
		return firstAccepted(loneTokenRe, withoutStyles(msg.HTML), accept)
	},
}

// Labelled finds a token right after a "code is" style label.
var Labelled = Rule{
	Name: "labelled",
	Match: func(msg models.Message, accept Accept) (string, bool) {
		if code, ok := firstAccepted(labelledRe, msg.Text, accept); ok {
			return code, true
		}
		return firstAccepted(labelledRe, StripHTML(msg.HTML), accept)
	},
}

// Fallback accepts any standalone uppercase token in the text or HTML body.
var Fallback = Rule{
	Name: "fallback",
	Match: func(msg models.Message, accept Accept) (string, bool) {
		if code, ok := firstAccepted(fallbackRe, colourRe.ReplaceAllString(msg.Text, " "), accept); ok {
			return code, true
		}
		return firstAccepted(fallbackRe, StripHTML(msg.HTML), accept)
	},
}

// DefaultRules returns the rules in priority order.
func DefaultRules() []Rule {
	return []Rule{VerificationContainer, HTMLLoneToken, Labelled, Fallback}
}

// Extractor applies an ordered rule list; the first match wins.
type Extractor struct {
	rules    []Rule
	stoplist map[string]struct{}
}

// NewExtractor creates an Extractor with the default rules. A nil stoplist
// selects DefaultStoplist.
func NewExtractor(stoplist []string, rules ...Rule) *Extractor {
	if stoplist == nil {
		stoplist = DefaultStoplist
	}
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	stop := make(map[string]struct{}, len(stoplist))
	for _, s := range stoplist {
		stop[strings.ToUpper(s)] = struct{}{}
	}
	return &Extractor{rules: rules, stoplist: stop}
}

// Extract returns the code in msg. The second result is false when no rule
// matched; callers should keep polling.
func (e *Extractor) Extract(msg models.Message) (string, bool) {
	code, _, ok := e.ExtractWithRule(msg)
	return code, ok
}

// ExtractWithRule is Extract that also names the matching rule.
func (e *Extractor) ExtractWithRule(msg models.Message) (string, string, bool) {
	for _, rule := range e.rules {
		if code, ok := rule.Match(msg, e.Qualifies); ok {
			return code, rule.Name, true
		}
	}
	return "", "", false
}

// Qualifies reports whether token contains a digit and is not stoplisted.
func (e *Extractor) Qualifies(token string) bool {
	if _, stopped := e.stoplist[strings.ToUpper(token)]; stopped {
		return false
	}
	return strings.IndexFunc(token, unicode.IsDigit) >= 0
}

// StripHTML drops style and script blocks, tags and colour literals and
// unescapes entities.
func StripHTML(s string) string {
	if s == "" {
		return ""
	}
	s = withoutStyles(s)
	s = tagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return colourRe.ReplaceAllString(s, " ")
}

func withoutStyles(s string) string {
	s = styleRe.ReplaceAllString(s, " ")
	return scriptRe.ReplaceAllString(s, " ")
}

func firstAccepted(re *regexp.Regexp, s string, accept Accept) (string, bool) {
	if s == "" {
		return "", false
	}
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		if accept(m[1]) {
			return m[1], true
		}
	}
	return "", false
}
