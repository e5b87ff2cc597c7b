// Package guardrails implements the two inbound safety checks of the serving
// core: prompt-injection detection on questions, and the content-domain
// relevance filter applied to retrieval candidates.
//
// Both checks are pure functions over strings; neither touches the network.
package guardrails

import (
	"regexp"
	"strings"
)

// RefusalMessage is the fixed response returned when a question trips the
// injection detector. No retrieval or generation runs for refused questions.
const RefusalMessage = "I can only help with educational questions about NCERT curriculum. " +
	"Please ask about subjects like Mathematics, Science, English, Social Studies, etc."

// injectionPatterns match known prompt-injection phrasings, case-insensitive.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+previous\s+instructions`),
	regexp.MustCompile(`(?i)forget\s+your\s+role`),
	regexp.MustCompile(`(?i)act\s+as\s+if`),
	regexp.MustCompile(`(?i)pretend\s+to\s+be`),
	regexp.MustCompile(`(?i)^\s*system\s*:`),
	regexp.MustCompile(`(?i)<\s*system\s*>`),
	regexp.MustCompile(`(?i)override\s+system`),
	regexp.MustCompile(`(?i)jailbreak`),
	regexp.MustCompile(`(?i)developer\s+mode`),
	regexp.MustCompile(`(?i)admin\s+access`),
	regexp.MustCompile(`(?i)reveal\s+prompt`),
	regexp.MustCompile(`(?i)show\s+instructions`),
}

// systemKeywords are counted across the question; more than three occurrences
// triggers a refusal even without a full pattern match.
var systemKeywords = []string{"system", "assistant", "user", "admin", "root", "override"}

// suspiciousFormatting matches formatting runs that legitimate student
// questions never contain; more than two matches triggers a refusal.
var suspiciousFormatting = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*system\s*>`),
	regexp.MustCompile(`\{[^}]*\}`),
	regexp.MustCompile("```"),
}

// DetectInjection reports whether question looks like a prompt-injection
// attempt. Matching is case-insensitive.
func DetectInjection(question string) bool {
	for _, p := range injectionPatterns {
		if p.MatchString(question) {
			return true
		}
	}

	lower := strings.ToLower(question)
	keywordHits := 0
	for _, kw := range systemKeywords {
		keywordHits += strings.Count(lower, kw)
	}
	if keywordHits > 3 {
		return true
	}

	formatHits := 0
	for _, p := range suspiciousFormatting {
		formatHits += len(p.FindAllString(question, -1))
	}
	return formatHits > 2
}

// Domain identifies a subject vocabulary used by the relevance filter.
type Domain string

const (
	DomainMath      Domain = "math"
	DomainPhysics   Domain = "physics"
	DomainChemistry Domain = "chemistry"
)

var domainVocabularies = map[Domain][]string{
	DomainMath: {
		"angle", "triangle", "trigonometry", "tan", "sin", "cos", "elevation",
		"height", "distance", "theorem", "equation", "formula", "calculate",
		"solve", "degree",
	},
	DomainPhysics: {
		"force", "motion", "velocity", "acceleration", "energy", "work",
		"power", "mass", "momentum", "gravity", "friction", "electromagnetic",
		"wave",
	},
	DomainChemistry: {
		"element", "compound", "reaction", "molecule", "atom", "bond",
		"solution", "acid", "base", "oxidation", "reduction", "periodic",
	},
}

// Domains returns the subject domains the question maps to by keyword
// presence (case-insensitive substring match). Empty when the question
// matches no vocabulary.
func Domains(question string) []Domain {
	lower := strings.ToLower(question)
	var out []Domain
	for _, d := range []Domain{DomainMath, DomainPhysics, DomainChemistry} {
		if containsAny(lower, domainVocabularies[d]) {
			out = append(out, d)
		}
	}
	return out
}

// HasSubjectKeyword reports whether the question contains any math, physics,
// or chemistry vocabulary word. The generation controller uses this to pick
// the step-by-step scaffold for calculation problems.
func HasSubjectKeyword(question string) bool {
	return len(Domains(question)) > 0
}

// RelevantContent reports whether a candidate document is acceptable for the
// given question. When the question maps to at least one domain, the content
// must contain a keyword from one of those domains; questions outside every
// vocabulary accept any candidate.
func RelevantContent(question, content string) bool {
	domains := Domains(question)
	if len(domains) == 0 {
		return true
	}
	lowerContent := strings.ToLower(content)
	for _, d := range domains {
		if containsAny(lowerContent, domainVocabularies[d]) {
			return true
		}
	}
	return false
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
