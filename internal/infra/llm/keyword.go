package llm

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	emailRe    = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	nameRe     = regexp.MustCompile(`(?i:\b(my name is|call me|i am|i'm|this is))\s+([A-Za-z][A-Za-z'\-]*(?:\s+[A-Za-z][A-Za-z'\-]*)?)`)
	orgRe      = regexp.MustCompile(`(?i)\b(?:i work (?:at|for)|i'm (?:with|from)|i am (?:with|from)|representing|on behalf of)\s+([a-z0-9][\w&.\- ]*[\w.])`)
	minutesRe  = regexp.MustCompile(`(?i)\b(\d{1,3})\s*(?:min|mins|minute|minutes)\b`)
	hoursRe    = regexp.MustCompile(`(?i)\b(?:hours?|hrs?)\b|\d\s*h\b`)
	wordRe     = regexp.MustCompile(`[a-z']+`)
	stopPhrase = regexp.MustCompile(`(?i)\s+(?:and|but|so|because)\b.*$`)
)

// explicitNameLeads introduce a name outright. After the other leads only
// capitalised words are read as a name.
var explicitNameLeads = map[string]bool{"my name is": true, "call me": true}

// notNames are words that commonly follow "I'm" or "this is" without
// starting a name.
var notNames = map[string]bool{
	"a": true, "an": true, "the": true, "just": true, "not": true, "so": true, "very": true, "really": true,
	"also": true, "still": true, "currently": true, "here": true, "available": true, "free": true,
	"looking": true, "interested": true, "hoping": true, "trying": true, "wanting": true, "wondering": true,
	"calling": true, "reaching": true, "writing": true, "contacting": true, "going": true, "planning": true,
	"thinking": true, "booking": true, "scheduling": true, "keen": true, "ready": true, "able": true,
	"happy": true, "glad": true, "sorry": true, "fine": true, "good": true, "ok": true, "okay": true,
	"urgent": true, "in": true, "on": true, "at": true, "with": true, "from": true, "to": true, "for": true,
	"and": true, "but": true, "because": true,
}

var bookingWords = []string{
	"book", "schedule", "meeting", "meet", "appointment", "call", "demo", "consultation", "chat", "talk",
}

var affirmWords = map[string]bool{
	"yes": true, "yeah": true, "yep": true, "yup": true, "sure": true, "correct": true,
	"confirm": true, "confirmed": true, "ok": true, "okay": true, "absolutely": true,
	"definitely": true, "right": true, "perfect": true, "great": true,
}

var negativeWords = map[string]bool{
	"no": true, "nope": true, "not": true, "wrong": true, "change": true, "don't": true,
	"incorrect": true, "wait": true, "actually": true,
}

// KeywordExtractor is a local, dependency-free extractor used when the
// language model is unavailable. It only recognises explicit phrasings.
type KeywordExtractor struct{}

// NewKeywordExtractor creates a keyword extractor.
func NewKeywordExtractor() *KeywordExtractor {
	return &KeywordExtractor{}
}

// ClassifyIntent matches intent keywords. Negations win for affirm.
func (k *KeywordExtractor) ClassifyIntent(ctx context.Context, utterance string, intent Intent) (bool, error) {
	lower := strings.ToLower(utterance)
	switch intent {
	case IntentAffirm:
		words := wordRe.FindAllString(lower, -1)
		affirmed := false
		for _, w := range words {
			if negativeWords[w] {
				return false, nil
			}
			if affirmWords[w] {
				affirmed = true
			}
		}
		return affirmed || strings.Contains(lower, "sounds good") || strings.Contains(lower, "go ahead"), nil
	case IntentBookMeeting:
		for _, w := range bookingWords {
			if strings.Contains(lower, w) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, nil
	}
}

// ExtractFields returns the fields stated with explicit phrasings.
// start_time is left to the conversation's own date parser.
func (k *KeywordExtractor) ExtractFields(ctx context.Context, utterance string, current map[string]string) (map[string]string, error) {
	out := make(map[string]string)

	if m := emailRe.FindString(utterance); m != "" {
		out["email"] = strings.ToLower(m)
	}
	if name := extractName(utterance); name != "" {
		out["name"] = name
	}
	if m := orgRe.FindStringSubmatch(utterance); m != nil {
		out["organization"] = strings.TrimSpace(stopPhrase.ReplaceAllString(m[1], ""))
	}
	// Compound lengths are left to the conversation's duration parser
	if ms := minutesRe.FindAllStringSubmatch(utterance, -1); len(ms) == 1 && !hoursRe.MatchString(utterance) {
		if n, err := strconv.Atoi(ms[0][1]); err == nil && n > 0 {
			out["duration"] = strconv.Itoa(n)
		}
	}
	return out, nil
}

// extractName returns the first name introduced by a lead phrase, or "".
func extractName(utterance string) string {
	for _, m := range nameRe.FindAllStringSubmatch(utterance, -1) {
		explicit := explicitNameLeads[strings.Join(strings.Fields(strings.ToLower(m[1])), " ")]
		var words []string
		for _, w := range strings.Fields(m[2]) {
			if notNames[strings.ToLower(w)] || (!explicit && !unicode.IsUpper(rune(w[0]))) {
				break
			}
			words = append(words, w)
		}
		if len(words) > 0 {
			return titleCase(strings.Join(words, " "))
		}
	}
	return ""
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
