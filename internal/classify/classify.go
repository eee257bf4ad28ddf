// Package classify implements hierarchical memory classification. An
// utterance maps to a three-level type path (major/minor/detail) in two
// stages: strong content markers (extracted identity attributes,
// interrogatives, profession/skill/preference signals) select a subtree
// first, then keyword-weighted scoring over a fixed taxonomy picks the detail
// level. Content no stage claims falls through to a deterministic default.
package classify

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"mnemos/internal/types"
)

// =============================================================================
// TAXONOMY
// =============================================================================

// typeTree enumerates every valid major/minor/detail path together with the
// trigger keywords that vote for it. Keywords are matched as case-folded
// substrings; the taxonomy is closed and bilingual (Korean/English).
var typeTree = map[string]map[string]map[string][]string{
	"personal": {
		"identity": {
			"name":     {"이름", "성함", "호칭", "name", "called"},
			"age":      {"나이", "살", "세", "출생", "age", "born"},
			"location": {"살고", "거주", "위치", "주소", "사는", "live", "location"},
			"gender":   {"성별", "남자", "여자", "gender"},
			"family":   {"가족", "부모", "형제", "자녀", "family"},
		},
		"preference": {
			"food":     {"먹는", "음식", "좋아하는", "싫어하는", "food", "eat", "taste"},
			"music":    {"음악", "노래", "듣는", "music", "song"},
			"activity": {"운동", "취미", "활동", "즐기는", "hobby", "activity"},
			"style":    {"스타일", "패션", "옷", "style", "fashion"},
			"general":  {"좋아", "싫어", "선호", "like", "dislike", "prefer"},
		},
		"profession": {
			"job":       {"직업", "일", "업무", "job", "work", "occupation"},
			"company":   {"회사", "직장", "근무", "company", "office"},
			"role":      {"역할", "직책", "담당", "role", "position", "title"},
			"career":    {"경력", "경험", "career", "experience"},
			"education": {"학교", "전공", "졸업", "education", "study"},
		},
	},
	"knowledge": {
		"fact": {
			"general":    {"사실", "정보", "알고", "fact", "information"},
			"specific":   {"구체적", "정확한", "specific", "exact"},
			"historical": {"과거", "역사", "예전", "history", "past"},
			"current":    {"현재", "지금", "최근", "current", "now"},
		},
		"skill": {
			"technical": {"기술", "프로그래밍", "개발", "코딩", "tech", "programming"},
			"language":  {"언어", "영어", "한국어", "language", "speak"},
			"soft":      {"소통", "리더십", "협업", "communication", "leadership"},
			"tool":      {"도구", "사용", "프로그램", "tool", "software"},
		},
		"experience": {
			"work":        {"프로젝트", "업무", "일했", "project", "worked"},
			"personal":    {"경험", "했던", "기억", "experience", "memory"},
			"achievement": {"성과", "달성", "이뤘", "achievement", "accomplished"},
			"learning":    {"배운", "학습", "공부", "learned", "studied"},
		},
	},
	"temporal": {
		"conversation": {
			"question":  {"?", "뭐", "어떻게", "왜", "언제", "what", "how", "why"},
			"statement": {"입니다", "해요", "했어요", "is", "are", "was"},
			"greeting":  {"안녕", "반가", "hello", "hi"},
			"response":  {"네", "아니", "응답", "yes", "no", "response"},
		},
		"context": {
			"current": {"지금", "오늘", "현재", "now", "today", "current"},
			"past":    {"어제", "예전", "과거", "yesterday", "before", "past"},
			"future":  {"내일", "나중", "계획", "tomorrow", "later", "plan"},
			"session": {"방금", "아까", "just", "recently"},
		},
	},
}

// importanceByPath maps type prefixes to base importance. Three-level entries
// take precedence over two-level ones.
var importanceByPath = map[string]float64{
	"personal/identity":         9.0,
	"personal/profession":       8.5,
	"knowledge/skill/technical": 8.0,
	"personal/preference":       7.0,
	"knowledge/experience":      7.0,
	"knowledge/fact":            6.0,
	"temporal/context":          4.0,
	"temporal/conversation":     3.0,
}

// importanceByMajor is the fallback when no path entry matches.
var importanceByMajor = map[string]float64{
	"personal":  7.0,
	"knowledge": 6.0,
	"temporal":  4.0,
}

// relatedPaths feeds retrieval query expansion: asking about one type often
// means the adjacent ones are relevant too.
var relatedPaths = map[string][]string{
	"personal/identity/name":         {"personal/identity/age", "personal/identity/location"},
	"personal/profession/job":        {"knowledge/skill/technical", "knowledge/experience/work"},
	"knowledge/skill/technical":      {"knowledge/experience/work", "personal/profession/job"},
	"temporal/conversation/question": {"temporal/conversation/response", "temporal/context/current"},
}

// =============================================================================
// MARKER STAGE
// =============================================================================

// markerRule is a strong-evidence dispatch checked before full path scoring.
// Rules fire in declaration order; the first hit selects the subtree and the
// detail level falls back to def when no subtree keyword scores.
type markerRule struct {
	major, minor, def string
	markers           []string
	indicators        []string // when set, at least one must also match
}

var markerRules = []markerRule{
	{major: "personal", minor: "profession", def: "job",
		markers: []string{"개발자", "엔지니어", "직업", "회사", "업무", "팀장", "매니저"}},
	{major: "knowledge", minor: "skill", def: "technical",
		markers: []string{"파이썬", "자바", "자바스크립트", "프로그래밍", "코딩", "기술", "언어", "프레임워크"}},
	{major: "knowledge", minor: "experience", def: "work",
		markers: []string{"프로젝트", "경험", "작업", "개발", "구현", "설계"}},
	{major: "temporal", minor: "context", def: "future",
		markers: []string{"목표", "계획", "하고싶", "되고싶", "꿈", "바라", "원해"}},
	{major: "personal", minor: "preference", def: "activity",
		markers:    []string{"취미", "즐겨", "좋아해"},
		indicators: []string{"등산", "독서", "여행", "음악", "운동", "게임"}},
	{major: "personal", minor: "preference", def: "general",
		markers: []string{"좋아해", "선호", "관심", "즐겨", "싫어", "선호도"}},
	{major: "temporal", minor: "conversation", def: "statement",
		markers: []string{"안녕", "고마워", "감사", "미안", "죄송", "네", "아니", "응", "그래"}},
}

// questionMarkers flag interrogative content ahead of the marker rules. A
// question about a skill is a question, not a skill declaration.
var questionMarkers = []string{
	"?", "어때", "어떻게", "뭐", "무엇", "누구", "언제", "어디", "왜", "어떤", "얼마", "몇",
}

// Identity statements are recognized by extraction, not keywords alone: the
// identity stage fires only when a name, age, or residence actually parses
// out of the utterance.
var (
	nameRe     = regexp.MustCompile(`(?:제 이름은|저는|나는)\s*([가-힣]{2,5})(?:입니다|예요|이에요)`)
	ageRe      = regexp.MustCompile(`(\d{1,3})(?:살|세)(?:입니다|예요|이에요)?`)
	locationRe = regexp.MustCompile(`(?:서울|부산|대구|인천|광주|대전|울산|경기|강원|충북|충남|전북|전남|경북|경남|제주)(?:에서?|에\s*살|에\s*거주)`)
)

// =============================================================================
// CLASSIFIER
// =============================================================================

// Classifier scores utterances against the type taxonomy. It is stateless and
// safe for concurrent use.
type Classifier struct {
	keywordPaths map[string][]string
	keywords     []string
}

// New builds a Classifier with the keyword reverse index precomputed.
func New() *Classifier {
	c := &Classifier{keywordPaths: make(map[string][]string)}
	for major, minors := range typeTree {
		for minor, details := range minors {
			for detail, keywords := range details {
				path := major + "/" + minor + "/" + detail
				for _, kw := range keywords {
					c.keywordPaths[kw] = append(c.keywordPaths[kw], path)
				}
			}
		}
	}
	for kw := range c.keywordPaths {
		c.keywords = append(c.keywords, kw)
	}
	sort.Strings(c.keywords)
	for _, paths := range c.keywordPaths {
		sort.Strings(paths)
	}
	return c
}

// Classify maps content to its best type path. Identical input always yields
// an identical classification; score ties resolve to the lexicographically
// smallest path.
func (c *Classifier) Classify(content string, sctx *types.SessionContext) types.Classification {
	lower := strings.ToLower(content)
	scores := c.scorePaths(lower, sctx)

	if cl, ok := classifyIdentity(content); ok {
		return cl
	}

	if containsAny(lower, questionMarkers) {
		return types.Classification{Major: "temporal", Minor: "conversation", Detail: "question", Confidence: 0.8}
	}

	for _, rule := range markerRules {
		if !containsAny(lower, rule.markers) {
			continue
		}
		if len(rule.indicators) > 0 && !containsAny(lower, rule.indicators) {
			continue
		}
		detail, score := bestUnderPrefix(scores, rule.major+"/"+rule.minor+"/")
		if detail == "" {
			detail = rule.def
		}
		return types.Classification{
			Major:      rule.major,
			Minor:      rule.minor,
			Detail:     detail,
			Confidence: max(min(score/3.0, 1.0), 0.8),
		}
	}

	if len(scores) > 0 {
		best, score := bestUnderPrefix(scores, "")
		tp := types.ParsePath(best)
		return types.Classification{
			Major:      tp.Major,
			Minor:      tp.Minor,
			Detail:     tp.Detail,
			Confidence: min(score/3.0, 1.0),
		}
	}

	// Fallbacks for content nothing claimed.
	if strings.Contains(content, "?") {
		return types.Classification{Major: "temporal", Minor: "conversation", Detail: "question", Confidence: 0.8}
	}
	if len(strings.Fields(content)) < 10 {
		return types.Classification{Major: "temporal", Minor: "conversation", Detail: "statement", Confidence: 0.5}
	}
	return types.Classification{Major: "knowledge", Minor: "fact", Detail: "general", Confidence: 0.3}
}

// scorePaths accumulates keyword votes per path and applies session-context
// boosts: 1.5x for the previous classification, 1.2x per active session type.
func (c *Classifier) scorePaths(lower string, sctx *types.SessionContext) map[string]float64 {
	scores := make(map[string]float64)
	for _, kw := range c.keywords {
		if !strings.Contains(lower, kw) {
			continue
		}
		// Longer keywords are more specific evidence; a keyword opening the
		// utterance signals intent twice as strongly.
		weight := float64(utf8.RuneCountInString(kw)) / 10
		if strings.HasPrefix(lower, kw) {
			weight *= 2
		}
		for _, path := range c.keywordPaths[kw] {
			scores[path] += weight
		}
	}

	if sctx != nil {
		if sctx.PreviousType != "" {
			if _, ok := scores[sctx.PreviousType]; ok {
				scores[sctx.PreviousType] *= 1.5
			}
		}
		for _, st := range sctx.SessionTypes {
			if _, ok := scores[st]; ok {
				scores[st] *= 1.2
			}
		}
	}
	return scores
}

// classifyIdentity fires when an identity attribute parses out of the raw
// content. Name takes precedence over age, age over location.
func classifyIdentity(content string) (types.Classification, bool) {
	if m := nameRe.FindStringSubmatch(content); m != nil {
		return identityClassification("name", m[1]), true
	}
	if m := ageRe.FindStringSubmatch(content); m != nil {
		return identityClassification("age", m[1]), true
	}
	if loc := locationRe.FindString(content); loc != "" {
		return identityClassification("location", loc), true
	}
	return types.Classification{}, false
}

func identityClassification(detail, value string) types.Classification {
	conf := 0.6
	if utf8.RuneCountInString(value) > 2 {
		conf = 0.8
	}
	return types.Classification{Major: "personal", Minor: "identity", Detail: detail, Confidence: conf}
}

// bestUnderPrefix returns the highest-scoring path with the given prefix,
// breaking ties toward the lexicographically smallest path. Empty prefix
// searches every path.
func bestUnderPrefix(scores map[string]float64, prefix string) (string, float64) {
	paths := make([]string, 0, len(scores))
	for p := range scores {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return "", 0
	}
	sort.Strings(paths)
	best := paths[0]
	for _, p := range paths[1:] {
		if scores[p] > scores[best] {
			best = p
		}
	}
	detail := best
	if prefix != "" {
		detail = strings.TrimPrefix(best, prefix)
	}
	return detail, scores[best]
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// =============================================================================
// DERIVED PROPERTIES
// =============================================================================

// Importance derives the base retention score for a classification: a type
// table value plus twice the confidence, clamped to [0, 10].
func (c *Classifier) Importance(cl types.Classification) float64 {
	base, ok := importanceByPath[cl.Path().String()]
	if !ok {
		base, ok = importanceByPath[cl.Path().Prefix()]
	}
	if !ok {
		base, ok = importanceByMajor[cl.Major]
		if !ok {
			base = 5.0
		}
	}
	v := base + cl.Confidence*2.0
	if v > 10 {
		v = 10
	}
	if v < 0 {
		v = 0
	}
	return v
}

// RelatedTypes lists paths adjacent to a classification for retrieval
// expansion. The two-level parent is always included, last.
func (c *Classifier) RelatedTypes(cl types.Classification) []string {
	related := relatedPaths[cl.Path().String()]
	out := make([]string, 0, len(related)+1)
	seen := make(map[string]bool, len(related)+1)
	for _, p := range related {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	if parent := cl.Path().Prefix(); parent != "" && !seen[parent] {
		out = append(out, parent)
	}
	return out
}

// ValidPaths returns every path in the taxonomy in sorted order.
func (c *Classifier) ValidPaths() []string {
	seen := make(map[string]bool)
	var out []string
	for _, paths := range c.keywordPaths {
		for _, p := range paths {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}
