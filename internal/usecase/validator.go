// File: internal/usecase/validator.go
package usecase

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"screening-engine/internal/domain/model"

	"github.com/cespare/xxhash/v2"
)

const (
	// FlagGenericJustification marks boilerplate reasoning. It never fails an item.
	FlagGenericJustification = "generic_justification"

	repeatThreshold = 3
)

var (
	fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	lineField   = regexp.MustCompile(`^\s*[*_#>\-\s]*([A-Za-z][A-Za-z _]*?)[*_\s]*[:=]\s*(.*)$`)

	labelAliases         = []string{"label", "decision", "status", "risk", "verdict", "answer", "classification"}
	justificationAliases = []string{"justification", "reason", "reasoning", "rationale", "explanation"}

	genericPhrases = []string{
		"meets the inclusion criteria",
		"does not meet the inclusion criteria",
		"does not meet the criteria",
		"meets all criteria",
		"insufficient information",
		"not enough information to determine",
		"based on the provided information",
		"based on the information provided",
		"as an ai language model",
		"the abstract does not provide enough",
	}
)

// ResponseValidator parses and checks model answers for one batch. It keeps
// fingerprints of accepted justifications to spot boilerplate across items.
type ResponseValidator struct {
	task model.TaskConfig

	mu   sync.Mutex
	seen map[uint64]int
}

// NewResponseValidator expects a normalized task config.
func NewResponseValidator(task model.TaskConfig) *ResponseValidator {
	return &ResponseValidator{task: task, seen: make(map[uint64]int)}
}

// Answer is the structured part of a model reply.
type Answer struct {
	Label         string
	Justification string
}

// Validate converts a raw success into a labelled one or a validation failure.
// Failures and already-labelled successes pass through.
func (v *ResponseValidator) Validate(out model.Outcome) model.Outcome {
	if !out.IsSuccess() || out.Success.Label != "" {
		return out
	}
	ans, f := ParseAnswer(out.Success.RawText, v.task)
	if f != nil {
		return model.Failed(f)
	}
	s := *out.Success
	s.Label = ans.Label
	s.Justification = ans.Justification
	s.Flags = nil
	if v.boilerplate(ans.Justification) {
		s.Flags = append(s.Flags, FlagGenericJustification)
	}
	return model.Succeeded(s)
}

func validationFailure(detail, format string, args ...any) *model.Failure {
	return model.NewFailure(model.FailureValidationError, fmt.Sprintf(format, args...)).WithDetail(detail)
}

// ParseAnswer extracts label and justification from raw model output and
// checks them against the task.
func ParseAnswer(raw string, task model.TaskConfig) (Answer, *model.Failure) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Answer{}, validationFailure("empty", "empty model output")
	}

	fields, ok := parseJSONObject(raw)
	if !ok {
		fields, ok = parseLines(raw, task.LabelField, task.JustificationField)
	}
	if !ok {
		return Answer{}, validationFailure("unparseable", "no JSON object or LABEL/JUSTIFICATION lines found")
	}

	label := lookup(fields, task.LabelField, labelAliases)
	if label == "" {
		return Answer{}, validationFailure("missing_label", "field %q missing", task.LabelField)
	}
	rawLabel := label
	label = normalizeLabel(rawLabel)
	if !task.AllowsLabel(label) {
		// "Include - clear RCT" style answers
		words := strings.FieldsFunc(rawLabel, func(r rune) bool { return !unicode.IsLetter(r) && r != '_' })
		if len(words) > 0 && task.AllowsLabel(normalizeLabel(words[0])) {
			label = normalizeLabel(words[0])
		}
	}
	if !task.AllowsLabel(label) {
		return Answer{}, validationFailure("label_not_allowed", "label %q not in %v", label, task.Labels)
	}

	just := strings.TrimSpace(lookup(fields, task.JustificationField, justificationAliases))
	n := utf8.RuneCountInString(just)
	if n < task.MinJustification {
		return Answer{}, validationFailure("justification_too_short", "justification has %d characters, need %d", n, task.MinJustification)
	}
	if n > task.MaxJustification {
		return Answer{}, validationFailure("justification_too_long", "justification has %d characters, max %d", n, task.MaxJustification)
	}
	return Answer{Label: label, Justification: just}, nil
}

// parseJSONObject tries the whole text, fenced blocks, then the first
// balanced {...} in prose.
func parseJSONObject(raw string) (map[string]string, bool) {
	candidates := []string{raw}
	for _, m := range fencedBlock.FindAllStringSubmatch(raw, -1) {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if obj := firstBalancedObject(raw); obj != "" {
		candidates = append(candidates, obj)
	}
	for _, c := range candidates {
		var m map[string]any
		if err := json.Unmarshal([]byte(c), &m); err != nil {
			continue
		}
		out := make(map[string]string, len(m))
		for k, val := range m {
			switch t := val.(type) {
			case string:
				out[strings.ToLower(k)] = t
			case nil:
			case map[string]any, []any:
				b, _ := json.Marshal(t)
				out[strings.ToLower(k)] = string(b)
			default:
				out[strings.ToLower(k)] = fmt.Sprint(t)
			}
		}
		return out, true
	}
	return nil, false
}

func firstBalancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		depth, inStr, esc := 0, false, false
		for i := start; i < len(s); i++ {
			ch := s[i]
			if inStr {
				switch {
				case esc:
					esc = false
				case ch == '\\':
					esc = true
				case ch == '"':
					inStr = false
				}
				continue
			}
			switch ch {
			case '"':
				inStr = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			return ""
		}
		start += next + 1
	}
	return ""
}

// parseLines reads "LABEL: X" / "JUSTIFICATION: ..." replies. Lines after a
// key without their own key belong to that key.
func parseLines(raw string, extra ...string) (map[string]string, bool) {
	out := map[string]string{}
	var cur string
	for _, line := range strings.Split(raw, "\n") {
		if m := lineField.FindStringSubmatch(line); m != nil {
			key := strings.ToLower(strings.TrimSpace(m[1]))
			key = strings.ReplaceAll(key, " ", "_")
			if knownKey(key, extra) {
				cur = key
				out[cur] = strings.TrimSpace(strings.TrimLeft(m[2], "*_ "))
				continue
			}
		}
		if cur != "" && strings.TrimSpace(line) != "" {
			out[cur] = strings.TrimSpace(out[cur] + " " + strings.TrimSpace(line))
		}
	}
	return out, len(out) > 0
}

func knownKey(k string, extra []string) bool {
	for _, e := range extra {
		if strings.EqualFold(e, k) {
			return true
		}
	}
	for _, a := range labelAliases {
		if a == k {
			return true
		}
	}
	for _, a := range justificationAliases {
		if a == k {
			return true
		}
	}
	return false
}

func lookup(fields map[string]string, primary string, aliases []string) string {
	if v, ok := fields[strings.ToLower(primary)]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	for _, a := range aliases {
		if v, ok := fields[a]; ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func normalizeLabel(s string) string {
	s = strings.TrimFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	s = strings.ToUpper(s)
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	return s
}

// normalizeText lower-cases and keeps only letters, digits and single spaces.
func normalizeText(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space && b.Len() > 0 {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

func (v *ResponseValidator) boilerplate(just string) bool {
	norm := normalizeText(just)
	generic := false
	for _, p := range genericPhrases {
		if strings.Contains(norm, p) && len(norm) <= len(p)+40 {
			generic = true
			break
		}
	}

	fp := xxhash.Sum64String(norm)
	v.mu.Lock()
	v.seen[fp]++
	repeats := v.seen[fp]
	v.mu.Unlock()

	return generic || repeats >= repeatThreshold
}
