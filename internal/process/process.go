// Package process implements content processing: normalization, entity and
// keyword extraction, summarization, and per-type transformation of an
// utterance into its storage-ready representation. Output is deterministic
// for identical (content, classification) input.
package process

import (
	"encoding/json"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"mnemos/internal/types"
)

const (
	summaryMaxLength     = 100
	experienceSummaryMax = 200
)

// Korean stop words excluded from keyword extraction.
var stopWords = map[string]bool{
	"는": true, "은": true, "이": true, "가": true, "을": true, "를": true,
	"에": true, "에서": true, "으로": true, "와": true, "과": true, "의": true,
	"하다": true, "있다": true, "되다": true, "수": true, "그": true, "저": true,
	"이것": true, "그것": true,
}

// Substring corrections applied during normalization, stable across runs.
var normalizeReplacements = [][2]string{
	{"되요", "돼요"},
	{"됬", "됐"},
	{"왠만", "웬만"},
}

var (
	whitespaceRe   = regexp.MustCompile(`\s+`)
	particleRe     = regexp.MustCompile(`[은는이가을를에서]$`)
	meaningfulRe   = regexp.MustCompile(`[가-힣]{2,}|[A-Za-z]{3,}`)
	sentenceRe     = regexp.MustCompile(`[.!?]+`)
	leadingFirstRe = regexp.MustCompile(`^(?:저는|나는|제가)\s*`)
	punctRe        = regexp.MustCompile(`[?.!]`)
)

// Sentences containing one of these markers are preferred for summaries.
var priorityMarkers = []string{"중요", "핵심", "주요", "특히", "꼭", "반드시"}

// Question markers for conversation processing.
var interrogatives = []string{"뭐", "어떻게", "왜", "언제"}

// Recent time references that boost experience importance.
var recentRefs = []string{"최근", "올해", "이번"}

// Skill vocabulary recognized by the skill branch.
var skillVocabulary = []string{
	"Python", "Java", "JavaScript", "React", "Docker", "Kubernetes",
	"개발", "프로그래밍", "디자인", "분석", "관리", "영어", "중국어",
}

var preferenceSubjectRe = regexp.MustCompile(`([\w\s가-힣]+)(?:을|를|이|가)\s*(?:좋아|싫어|선호)`)

// Processor turns raw utterances into ProcessedContent. Stateless and safe
// for concurrent use.
type Processor struct{}

// New returns a Processor.
func New() *Processor {
	return &Processor{}
}

// Process normalizes content, extracts entities and keywords, then dispatches
// on the classification's minor type. seedImportance feeds the default branch
// when the type has no specific rule; zero means "use the built-in default".
func (p *Processor) Process(content string, cl types.Classification, seedImportance float64) types.ProcessedContent {
	normalized := normalize(content)
	entities := extractEntities(normalized)
	keywords := extractKeywords(normalized)

	switch cl.Minor {
	case "conversation":
		return processConversation(normalized, entities, keywords)
	case "fact":
		return processFact(normalized, entities, keywords)
	case "preference":
		return processPreference(normalized, entities, keywords)
	case "identity":
		return processIdentity(normalized, entities, keywords)
	case "skill":
		return processSkill(normalized, entities, keywords)
	case "experience":
		return processExperience(normalized, entities, keywords)
	}

	importance := seedImportance
	if importance <= 0 {
		importance = 5.0
	}
	return types.ProcessedContent{
		StructuredContent: normalized,
		Entities:          entities,
		Summary:           summarize(normalized, summaryMaxLength),
		Keywords:          keywords,
		ShouldStore:       true,
		StorageFormat:     types.FormatFull,
		Importance:        importance,
		Metadata:          map[string]any{},
	}
}

// =============================================================================
// BASE EXTRACTION
// =============================================================================

// normalize collapses whitespace and applies the correction dictionary.
func normalize(content string) string {
	content = whitespaceRe.ReplaceAllString(strings.TrimSpace(content), " ")
	for _, r := range normalizeReplacements {
		content = strings.ReplaceAll(content, r[0], r[1])
	}
	return content
}

// extractKeywords tokenizes on whitespace, strips one trailing particle,
// drops stop words and short tokens, and keeps the first ten distinct tokens
// that carry at least two Hangul or three Latin characters.
func extractKeywords(content string) []string {
	var keywords []string
	seen := make(map[string]bool)

	for _, word := range strings.Fields(content) {
		clean := particleRe.ReplaceAllString(word, "")
		if utf8.RuneCountInString(clean) < 2 || stopWords[clean] {
			continue
		}
		if !meaningfulRe.MatchString(clean) {
			continue
		}
		if seen[clean] {
			continue
		}
		seen[clean] = true
		keywords = append(keywords, clean)
		if len(keywords) == 10 {
			break
		}
	}
	return keywords
}

// summarize returns content unchanged when short enough; otherwise the first
// sentence carrying a priority marker, falling back to the first sentence.
func summarize(content string, maxLength int) string {
	if utf8.RuneCountInString(content) <= maxLength {
		return content
	}

	sentences := sentenceRe.Split(content, -1)
	for _, s := range sentences {
		for _, marker := range priorityMarkers {
			if strings.Contains(s, marker) {
				return truncateRunes(strings.TrimSpace(s), maxLength)
			}
		}
	}
	return truncateRunes(strings.TrimSpace(sentences[0]), maxLength)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// =============================================================================
// PER-TYPE BRANCHES
// =============================================================================

func processConversation(content string, entities []types.Entity, keywords []string) types.ProcessedContent {
	isQuestion := strings.Contains(content, "?") || containsAny(content, interrogatives...)

	importance := 5.0
	if isQuestion {
		importance = 7.0
	}
	return types.ProcessedContent{
		StructuredContent: content,
		Entities:          entities,
		Summary:           summarize(content, summaryMaxLength),
		Keywords:          keywords,
		ShouldStore:       true, // conversations always persist
		StorageFormat:     types.FormatFull,
		Importance:        importance,
		Metadata: map[string]any{
			"is_question":     isQuestion,
			"response_needed": isQuestion,
		},
	}
}

func processFact(content string, entities []types.Entity, keywords []string) types.ProcessedContent {
	statement := factStatement(content, entities)

	importance := 6.0
	importance += min(float64(len(entities))*0.5, 2.0)
	importance += min(float64(len(keywords))*0.2, 1.0)
	importance = min(importance, 9.0)

	return types.ProcessedContent{
		StructuredContent: statement,
		Entities:          entities,
		Summary:           statement, // facts are their own summary
		Keywords:          keywords,
		ShouldStore:       len(entities) > 0 || len(keywords) > 3,
		StorageFormat:     types.FormatStructured,
		Importance:        importance,
		Metadata: map[string]any{
			"fact_type":  factType(content),
			"confidence": entityConfidence(entities),
		},
	}
}

func processPreference(content string, entities []types.Entity, keywords []string) types.ProcessedContent {
	pref := extractPreference(content)

	return types.ProcessedContent{
		StructuredContent: marshalOr(pref, content),
		Entities:          entities,
		Summary:           pref.Subject + "에 대한 선호도: " + pref.PreferenceType,
		Keywords:          keywords,
		ShouldStore:       pref.PreferenceLevel > 0,
		StorageFormat:     types.FormatJSON,
		Importance:        6.0 + float64(pref.PreferenceLevel)/10,
		Metadata: map[string]any{
			"subject":          pref.Subject,
			"preference_type":  pref.PreferenceType,
			"preference_level": pref.PreferenceLevel,
			"reason":           pref.Reason,
		},
	}
}

func processIdentity(content string, entities []types.Entity, keywords []string) types.ProcessedContent {
	attributes := make(map[string]string)
	for _, e := range entities {
		switch e.Type {
		case "name", "age", "location":
			attributes[e.Type] = e.Value
		}
	}

	record := identityRecord{Original: content, Attributes: attributes}
	return types.ProcessedContent{
		StructuredContent: marshalOr(record, content),
		Entities:          entities,
		Summary:           identitySummary(attributes),
		Keywords:          keywords,
		ShouldStore:       len(attributes) > 0,
		StorageFormat:     types.FormatJSON,
		Importance:        9.0, // identity is always important
		Metadata: map[string]any{
			"original":   content,
			"attributes": attributes,
		},
	}
}

func processSkill(content string, entities []types.Entity, keywords []string) types.ProcessedContent {
	data := extractSkills(content)

	return types.ProcessedContent{
		StructuredContent: marshalOr(data, content),
		Entities:          entities,
		Summary:           "기술: " + strings.Join(data.Skills, ", "),
		Keywords:          capKeywords(append(append([]string{}, keywords...), data.Skills...)),
		ShouldStore:       len(data.Skills) > 0,
		StorageFormat:     types.FormatJSON,
		Importance:        7.5,
		Metadata: map[string]any{
			"skills":   data.Skills,
			"level":    data.Level,
			"category": data.Category,
		},
	}
}

func processExperience(content string, entities []types.Entity, keywords []string) types.ProcessedContent {
	timeRefs := extractTimeReferences(content)
	wordCount := len(strings.Fields(content))

	importance := 7.0
	for _, ref := range timeRefs {
		if slices.Contains(recentRefs, ref) {
			importance += 1.0
			break
		}
	}
	if wordCount > 50 {
		importance += 0.5
	}
	importance = min(importance, 9.0)

	return types.ProcessedContent{
		StructuredContent: content, // experiences keep their full text
		Entities:          entities,
		Summary:           summarize(content, experienceSummaryMax),
		Keywords:          keywords,
		ShouldStore:       wordCount > 10,
		StorageFormat:     types.FormatFull,
		Importance:        importance,
		Metadata: map[string]any{
			"time_references": timeRefs,
			"word_count":      wordCount,
		},
	}
}

// =============================================================================
// BRANCH HELPERS
// =============================================================================

// factStatement condenses a fact around its strongest entity, or strips
// question punctuation and first-person lead-ins when no entity exists.
func factStatement(content string, entities []types.Entity) string {
	if len(entities) > 0 {
		main := entities[0]
		for _, e := range entities[1:] {
			if e.Confidence > main.Confidence {
				main = e
			}
		}
		return main.Type + ": " + main.Value
	}

	fact := punctRe.ReplaceAllString(content, "")
	fact = leadingFirstRe.ReplaceAllString(fact, "")
	return strings.TrimSpace(fact)
}

func factType(content string) string {
	switch {
	case containsAny(content, "숫자", "통계", "데이터", "%"):
		return "statistical"
	case containsAny(content, "역사", "과거", "예전"):
		return "historical"
	case containsAny(content, "현재", "지금", "요즘"):
		return "current"
	default:
		return "general"
	}
}

func entityConfidence(entities []types.Entity) float64 {
	if len(entities) == 0 {
		return 0.5
	}
	var total float64
	for _, e := range entities {
		total += e.Confidence
	}
	return total / float64(len(entities))
}

type preferenceRecord struct {
	Subject         string `json:"subject"`
	PreferenceType  string `json:"preference_type"`
	PreferenceLevel int    `json:"preference_level"`
	Reason          string `json:"reason"`
}

func extractPreference(content string) preferenceRecord {
	var pref preferenceRecord

	if containsAny(content, "좋아", "선호", "즐겨", "최고") {
		pref.PreferenceType = "like"
		pref.PreferenceLevel = 8
	} else if containsAny(content, "싫어", "안좋아", "별로") {
		pref.PreferenceType = "dislike"
		pref.PreferenceLevel = 3
	}

	if m := preferenceSubjectRe.FindStringSubmatch(content); m != nil {
		pref.Subject = strings.TrimSpace(m[1])
	}
	return pref
}

type identityRecord struct {
	Original   string            `json:"original"`
	Attributes map[string]string `json:"attributes"`
}

func identitySummary(attributes map[string]string) string {
	var parts []string
	if v, ok := attributes["name"]; ok {
		parts = append(parts, "이름: "+v)
	}
	if v, ok := attributes["age"]; ok {
		parts = append(parts, "나이: "+v)
	}
	if v, ok := attributes["location"]; ok {
		parts = append(parts, "거주지: "+v)
	}
	if len(parts) == 0 {
		return "신원 정보"
	}
	return strings.Join(parts, ", ")
}

type skillRecord struct {
	Skills   []string `json:"skills"`
	Level    string   `json:"level"`
	Category string   `json:"category"`
}

func extractSkills(content string) skillRecord {
	data := skillRecord{Skills: []string{}}
	lower := strings.ToLower(content)

	for _, skill := range skillVocabulary {
		if strings.Contains(lower, strings.ToLower(skill)) {
			data.Skills = append(data.Skills, skill)
		}
	}

	switch {
	case containsAny(content, "전문", "숙련", "고급"):
		data.Level = "expert"
	case containsAny(content, "중급", "경험"):
		data.Level = "intermediate"
	case containsAny(content, "초급", "배우는", "공부"):
		data.Level = "beginner"
	}
	return data
}

var timeRefPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d+년\s*전`),
	regexp.MustCompile(`\d+개월\s*전`),
	regexp.MustCompile(`\d+일\s*전`),
	regexp.MustCompile(`작년`),
	regexp.MustCompile(`올해`),
	regexp.MustCompile(`내년`),
	regexp.MustCompile(`예전에`),
	regexp.MustCompile(`최근에`),
	regexp.MustCompile(`\d{4}년`),
}

func extractTimeReferences(content string) []string {
	var refs []string
	for _, re := range timeRefPatterns {
		refs = append(refs, re.FindAllString(content, -1)...)
	}
	return refs
}

func capKeywords(keywords []string) []string {
	if len(keywords) > 10 {
		return keywords[:10]
	}
	return keywords
}

func marshalOr(v any, fallback string) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(data)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
