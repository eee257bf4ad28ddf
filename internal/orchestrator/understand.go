package orchestrator

import (
	"strings"
	"unicode/utf8"

	"mnemos/internal/types"
)

// Understanding is the per-turn analysis record surfaced under
// decisions.understanding. Marker tables cover Korean and English; anything
// else falls through to the neutral defaults.
type Understanding struct {
	RawMessage        string                 `json:"raw_message"`
	Language          string                 `json:"language"`
	Intent            types.Intent           `json:"intent"`
	TemporalReference string                 `json:"temporal_reference,omitempty"`
	QuestionType      string                 `json:"question_type,omitempty"`
	Entities          []types.Entity         `json:"entities,omitempty"`
	Sentiment         string                 `json:"sentiment"`
	RequiresMemory    bool                   `json:"requires_memory"`
	Continuity        float64                `json:"conversation_continuity"`
	MemoryType        string                 `json:"memory_type"`
	Processed         types.ProcessedContent `json:"processed_content"`
}

// Understand runs the full analysis for one utterance: language, intent,
// temporal and question markers, sentiment, continuity against the user's
// recent turns, and the classification/processing verdicts.
func (o *Orchestrator) Understand(userID, message string) Understanding {
	lower := strings.ToLower(message)

	cl := o.classifier.Classify(message, o.sessionContext(userID))
	processed := o.processor.Process(message, cl, o.classifier.Importance(cl))

	return Understanding{
		RawMessage:        message,
		Language:          detectLanguage(message),
		Intent:            analyzeIntent(lower),
		TemporalReference: temporalReference(lower),
		QuestionType:      questionType(lower),
		Entities:          processed.Entities,
		Sentiment:         analyzeSentiment(lower),
		RequiresMemory:    needsMemory(lower),
		Continuity:        o.continuity(userID, lower),
		MemoryType:        cl.Path().String(),
		Processed:         processed,
	}
}

// =============================================================================
// MARKER TABLES
// =============================================================================

var (
	questionWords = []string{"뭐", "어떻게", "왜", "언제", "어디", "누구"}

	recallMarkers = []string{
		"방금", "아까", "이전", "전에", "했", "말했",
		"just now", "earlier", "previous", "before",
		"what did i", "did i say", "did you say",
	}

	infoMarkers = []string{
		"입니다", "예요", "이에요", "있어요",
		"i am", "i'm", "my name is",
	}

	greetingContains = []string{"안녕", "반가워", "처음", "hello", "nice to meet"}
	greetingPrefixes = []string{"hi ", "hi!", "hey"}

	// temporalMarkers resolve in order; the first bucket with a hit wins.
	temporalMarkers = []struct {
		label   string
		markers []string
	}{
		{"just_now", []string{"방금", "지금", "막", "just now", "right now"}},
		{"recent", []string{"아까", "조금 전", "이전", "earlier", "a moment ago"}},
		{"yesterday", []string{"어제", "어젯", "yesterday"}},
		{"past", []string{"예전", "과거", "옛날", "long ago", "in the past"}},
	}

	positiveWords = []string{
		"좋아", "감사", "고마워", "행복", "기뻐", "최고",
		"thanks", "thank you", "great", "love", "happy",
	}
	negativeWords = []string{
		"싫어", "나빠", "슬퍼", "화나", "짜증", "최악",
		"hate", "bad", "sad", "angry", "terrible",
	}

	memoryTemporalMarkers = []string{
		"방금", "아까", "이전", "전에", "어제", "지난", "예전",
		"just now", "earlier", "yesterday", "last time",
	}
	selfRefMarkers = []string{
		"내가", "제가", "나는", "저는", "우리",
		"my ", "did i", "do i", "what i",
	}
	memoryQuestionWords = []string{
		"뭐", "어떤", "어떻게", "누구", "언제",
		"what", "which", "who", "when",
	}

	// Single-syllable connectives anchor to the start of the utterance so
	// they do not fire on every message that happens to contain them.
	continuityContains = []string{"그래서", "그런데", "그리고", "그거", "that one", "what about"}
	continuityPrefixes = []string{"또 ", "아 ", "so ", "and ", "also"}
)

// =============================================================================
// ANALYSIS
// =============================================================================

// detectLanguage reports Korean when the message carries any Hangul jamo or
// syllable, English otherwise.
func detectLanguage(message string) string {
	for _, r := range message {
		if (r >= 0x3131 && r <= 0x318E) || (r >= 0xAC00 && r <= 0xD7A3) {
			return "Korean"
		}
	}
	return "English"
}

// analyzeIntent reads the turn's purpose from surface markers. Questions
// carrying a recall marker are requests to remember, not to know.
func analyzeIntent(lower string) types.Intent {
	if strings.Contains(lower, "?") || containsAny(lower, questionWords) {
		if containsAny(lower, recallMarkers) {
			return types.IntentRecallPrevious
		}
		return types.IntentQuestion
	}
	if containsAny(lower, infoMarkers) {
		return types.IntentInformationSharing
	}
	if containsAny(lower, greetingContains) || hasAnyPrefix(lower, greetingPrefixes) {
		return types.IntentGreeting
	}
	return types.IntentConversation
}

// temporalReference buckets the message's strongest time marker.
func temporalReference(lower string) string {
	for _, bucket := range temporalMarkers {
		if containsAny(lower, bucket.markers) {
			return bucket.label
		}
	}
	return ""
}

// questionType labels interrogatives; empty when the message is not a
// question at all.
func questionType(lower string) string {
	if !strings.Contains(lower, "?") && !containsAny(lower, []string{"뭐", "어떤", "어떻게"}) {
		return ""
	}
	switch {
	case containsAny(lower, []string{"뭐", "무엇", "what"}):
		return "what"
	case containsAny(lower, []string{"누구", "who"}):
		return "who"
	case containsAny(lower, []string{"언제", "when"}):
		return "when"
	case containsAny(lower, []string{"어디", "where"}):
		return "where"
	case containsAny(lower, []string{"어떻게", "how"}):
		return "how"
	case containsAny(lower, []string{"왜", "why"}):
		return "why"
	}
	return "general"
}

// analyzeSentiment counts marker families rather than occurrences; ties are
// neutral.
func analyzeSentiment(lower string) string {
	var pos, neg int
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			pos++
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			neg++
		}
	}
	switch {
	case pos > neg:
		return "positive"
	case neg > pos:
		return "negative"
	}
	return "neutral"
}

// needsMemory decides whether answering requires stored context: any
// temporal reference, or a self-referential question.
func needsMemory(lower string) bool {
	if containsAny(lower, memoryTemporalMarkers) {
		return true
	}
	return containsAny(lower, selfRefMarkers) && containsAny(lower, memoryQuestionWords)
}

// continuity scores how strongly this turn continues the previous ones:
// 0.8 on an explicit connective, 0.6 on heavy keyword overlap with the last
// three turns, 0.3 on any overlap, 0 for a fresh start.
func (o *Orchestrator) continuity(userID, lower string) float64 {
	if o.tracker == nil {
		return 0
	}
	turns := o.tracker.RecentTurns(userID, 3)
	if len(turns) == 0 {
		return 0
	}

	if containsAny(lower, continuityContains) || hasAnyPrefix(lower, continuityPrefixes) {
		return 0.8
	}

	overlap := keywordOverlap(lower, turns)
	switch {
	case overlap > 2:
		return 0.6
	case overlap > 0:
		return 0.3
	}
	return 0
}

// keywordOverlap counts distinct words of the message that also appear in
// the recent turns. Single-rune tokens carry no signal and are skipped.
func keywordOverlap(lower string, turns []types.ConversationTurn) int {
	var history strings.Builder
	for _, t := range turns {
		history.WriteString(strings.ToLower(t.Message))
		history.WriteByte(' ')
		history.WriteString(strings.ToLower(t.Response))
		history.WriteByte(' ')
	}
	past := make(map[string]bool)
	for _, w := range strings.Fields(history.String()) {
		past[w] = true
	}

	count := 0
	seen := make(map[string]bool)
	for _, w := range strings.Fields(lower) {
		if utf8.RuneCountInString(w) < 2 || seen[w] {
			continue
		}
		seen[w] = true
		if past[w] {
			count++
		}
	}
	return count
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
