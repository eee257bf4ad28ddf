package process

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"mnemos/internal/types"
)

// entityRule is one registry entry: a pattern that yields a typed entity.
// Patterns with a capture group report the group; groupless patterns report
// the whole match.
type entityRule struct {
	typ     string
	re      *regexp.Regexp
	capture bool
}

// Registry order is fixed so extraction output is deterministic.
var entityRules = []entityRule{
	{"name", regexp.MustCompile(`(?:제 이름은|저는|나는)\s*([가-힣]{2,5})(?:입니다|예요|이에요)`), true},
	{"age", regexp.MustCompile(`(\d{1,3})(?:살|세)(?:입니다|예요|이에요)?`), true},
	{"location", regexp.MustCompile(`(?:서울|부산|대구|인천|광주|대전|울산|경기|강원|충북|충남|전북|전남|경북|경남|제주)(?:에서?|에\s*살|에\s*거주)`), false},
	{"company", regexp.MustCompile(`(?:회사는|직장은|근무하는 곳은)\s*([가-힣A-Za-z\s]+)(?:입니다|예요|이에요)`), true},
	{"skill", regexp.MustCompile(`(?:할 수 있|사용할 수 있|잘하는|전문)\s*(?:는|은)?\s*([가-힣A-Za-z\s,]+)(?:입니다|예요|이에요)?`), true},
	{"preference", regexp.MustCompile(`(?:좋아하는|선호하는|즐기는)\s*(?:것은|건)?\s*([가-힣A-Za-z\s]+)(?:입니다|예요|이에요)?`), true},
}

var (
	numberRe = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	dateRe   = regexp.MustCompile(`\d{4}년\s*\d{1,2}월\s*\d{1,2}일`)
)

// extractEntities runs the full registry over content. Pattern matches carry
// confidence 0.8 (0.6 for short values); bare numbers are certain, dates near
// certain.
func extractEntities(content string) []types.Entity {
	var entities []types.Entity

	for _, rule := range entityRules {
		if rule.capture {
			for _, m := range rule.re.FindAllStringSubmatch(content, -1) {
				entities = append(entities, patternEntity(rule.typ, m[1]))
			}
		} else {
			for _, m := range rule.re.FindAllString(content, -1) {
				entities = append(entities, patternEntity(rule.typ, m))
			}
		}
	}

	for _, num := range numberRe.FindAllString(content, -1) {
		entities = append(entities, types.Entity{Type: "number", Value: num, Confidence: 1.0})
	}
	for _, date := range dateRe.FindAllString(content, -1) {
		entities = append(entities, types.Entity{Type: "date", Value: date, Confidence: 0.9})
	}

	return entities
}

func patternEntity(typ, value string) types.Entity {
	value = strings.TrimSpace(value)
	conf := 0.6
	if utf8.RuneCountInString(value) > 2 {
		conf = 0.8
	}
	return types.Entity{Type: typ, Value: value, Confidence: conf}
}
