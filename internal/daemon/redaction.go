package daemon

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

const redactedValue = "[REDACTED]"

// minSecretLen keeps short literals such as "admin" from mangling unrelated
// text.
const minSecretLen = 6

var defaultRedactionKeys = []string{
	"password",
	"controller_password",
	"token",
	"access_token",
	"refresh_token",
	"authorization",
	"secret",
	"private_key",
}

// Redactor scrubs credentials from text that ends up in task details and
// logs. It knows two things: key names whose values are sensitive, in JSON
// ("key": "v") or in key=v / key: v form, and literal secret values.
type Redactor struct {
	mu      sync.RWMutex
	keys    map[string]struct{}
	secrets map[string]struct{}

	jsonField *regexp.Regexp
	pair      *regexp.Regexp
	literals  *strings.Replacer
}

func NewRedactor(extraKeys []string) *Redactor {
	r := &Redactor{
		keys:    make(map[string]struct{}),
		secrets: make(map[string]struct{}),
	}
	r.AddKeys(defaultRedactionKeys...)
	r.AddKeys(extraKeys...)
	return r
}

// AddKeys registers additional sensitive key names. Matching is
// case-insensitive.
func (r *Redactor) AddKeys(keys ...string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	added := false
	for _, key := range keys {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if _, ok := r.keys[key]; !ok {
			r.keys[key] = struct{}{}
			added = true
		}
	}
	if added {
		alt := alternation(r.keys)
		r.jsonField = regexp.MustCompile(`(?i)("(?:` + alt + `)"\s*:\s*")[^"]*"`)
		r.pair = regexp.MustCompile(`(?i)\b((?:` + alt + `)\s*[:=]\s*)[^\s"',}]+`)
	}
}

// AddValues registers literal secrets such as the controller password.
func (r *Redactor) AddValues(values ...string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	added := false
	for _, value := range values {
		value = strings.TrimSpace(value)
		if len(value) < minSecretLen {
			continue
		}
		if _, ok := r.secrets[value]; !ok {
			r.secrets[value] = struct{}{}
			added = true
		}
	}
	if added {
		pairs := make([]string, 0, 2*len(r.secrets))
		for _, secret := range sortedByLength(r.secrets) {
			pairs = append(pairs, secret, redactedValue)
		}
		r.literals = strings.NewReplacer(pairs...)
	}
}

// Redact returns input with every known secret replaced.
func (r *Redactor) Redact(input string) string {
	if r == nil || input == "" {
		return input
	}
	r.mu.RLock()
	literals, jsonField, pair := r.literals, r.jsonField, r.pair
	r.mu.RUnlock()

	output := input
	if literals != nil {
		output = literals.Replace(output)
	}
	if jsonField != nil {
		output = jsonField.ReplaceAllString(output, `${1}`+redactedValue+`"`)
	}
	if pair != nil {
		output = pair.ReplaceAllString(output, `${1}`+redactedValue)
	}
	return output
}

func alternation(set map[string]struct{}) string {
	words := sortedByLength(set)
	for i, word := range words {
		words[i] = regexp.QuoteMeta(word)
	}
	return strings.Join(words, "|")
}

// sortedByLength orders longest first so overlapping entries match whole.
func sortedByLength(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for item := range set {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}
