package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemos/internal/types"
)

func TestClassifyIdentity(t *testing.T) {
	c := New()

	t.Run("name statement", func(t *testing.T) {
		cl := c.Classify("제 이름은 김철수입니다.", nil)
		assert.Equal(t, "personal/identity/name", cl.Path().String())
		assert.InDelta(t, 0.8, cl.Confidence, 1e-9)
	})

	t.Run("age statement", func(t *testing.T) {
		cl := c.Classify("저는 30살입니다", nil)
		assert.Equal(t, "personal/identity/age", cl.Path().String())
	})

	t.Run("residence statement", func(t *testing.T) {
		cl := c.Classify("서울에 살고 있어요", nil)
		assert.Equal(t, "personal/identity/location", cl.Path().String())
	})

	t.Run("first person without attribute is not identity", func(t *testing.T) {
		// "저는" alone is not evidence; no name parses out of this one.
		cl := c.Classify("저는 Python 개발자입니다.", nil)
		assert.NotEqual(t, "identity", cl.Minor)
	})
}

func TestClassifyQuestionPriority(t *testing.T) {
	c := New()

	t.Run("weather question", func(t *testing.T) {
		cl := c.Classify("오늘 날씨 어때?", nil)
		assert.Equal(t, "temporal/conversation/question", cl.Path().String())
		assert.InDelta(t, 0.8, cl.Confidence, 1e-9)
	})

	t.Run("question about a skill stays a question", func(t *testing.T) {
		// "언어" is a skill marker, but the interrogative wins.
		cl := c.Classify("제가 쓰는 언어가 뭐죠?", nil)
		assert.Equal(t, "temporal/conversation/question", cl.Path().String())
	})
}

func TestClassifyMarkerRules(t *testing.T) {
	c := New()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"profession", "저는 Python 개발자입니다.", "personal/profession/job"},
		{"profession company detail", "회사에서 근무하고 있습니다", "personal/profession/company"},
		{"skill", "프로그래밍 공부를 시작했습니다", "knowledge/skill/technical"},
		{"hobby with indicator", "취미는 등산이에요", "personal/preference/activity"},
		{"preference with food detail", "매운 음식을 좋아해요", "personal/preference/food"},
		{"greeting", "안녕하세요!", "temporal/conversation/greeting"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cl := c.Classify(tt.content, nil)
			assert.Equal(t, tt.want, cl.Path().String())
			assert.GreaterOrEqual(t, cl.Confidence, 0.8)
			assert.LessOrEqual(t, cl.Confidence, 1.0)
		})
	}
}

func TestClassifyScoredStage(t *testing.T) {
	c := New()

	// Latin content never hits the Korean marker stage and lands on pure
	// keyword scoring: "music" (0.5) outweighs "like" (0.4).
	cl := c.Classify("i like jazz music", nil)
	assert.Equal(t, "personal/preference/music", cl.Path().String())
	assert.Greater(t, cl.Confidence, 0.0)
	assert.LessOrEqual(t, cl.Confidence, 1.0)
}

func TestClassifyContextBoost(t *testing.T) {
	c := New()

	// food and music tie at 0.2 each; lexicographic order picks food.
	base := c.Classify("그런데 음식 음악", nil)
	require.Equal(t, "personal/preference/food", base.Path().String())

	// A previous music classification boosts that path 1.5x past the tie.
	boosted := c.Classify("그런데 음식 음악", &types.SessionContext{
		PreviousType: "personal/preference/music",
	})
	assert.Equal(t, "personal/preference/music", boosted.Path().String())
}

func TestClassifyFallbacks(t *testing.T) {
	c := New()

	t.Run("short unmatched content", func(t *testing.T) {
		cl := c.Classify("zxqv bnmp", nil)
		assert.Equal(t, "temporal/conversation/statement", cl.Path().String())
		assert.InDelta(t, 0.5, cl.Confidence, 1e-9)
	})

	t.Run("long unmatched content", func(t *testing.T) {
		cl := c.Classify("zz xx cc vv bb nn mm qq ww ee rr tt", nil)
		assert.Equal(t, "knowledge/fact/general", cl.Path().String())
		assert.InDelta(t, 0.3, cl.Confidence, 1e-9)
	})
}

func TestClassifyDeterminism(t *testing.T) {
	c := New()

	inputs := []string{
		"제 이름은 김철수입니다.",
		"오늘 날씨 어때?",
		"저는 Python 개발자입니다.",
		"i like jazz music",
		"그런데 음식 음악",
	}
	for _, in := range inputs {
		first := c.Classify(in, nil)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, c.Classify(in, nil), "input %q", in)
		}
	}
}

func TestClassificationTotality(t *testing.T) {
	c := New()
	valid := make(map[string]bool)
	for _, p := range c.ValidPaths() {
		valid[p] = true
	}
	require.Len(t, valid, 35)

	inputs := []string{
		"제 이름은 김철수입니다.",
		"FastAPI를 주로 씁니다.",
		"다음엔 Rust를 배우고 싶어요.",
		"오늘 날씨 어때?",
		"회사에서 프로젝트를 진행했습니다",
		"hello there",
		"",
	}
	for _, in := range inputs {
		cl := c.Classify(in, nil)
		assert.True(t, valid[cl.Path().String()], "path %q for input %q", cl.Path().String(), in)
		assert.GreaterOrEqual(t, cl.Confidence, 0.0)
		assert.LessOrEqual(t, cl.Confidence, 1.0)
	}
}

func TestImportance(t *testing.T) {
	c := New()

	tests := []struct {
		name string
		cl   types.Classification
		want float64
	}{
		{"identity clamps at ten", types.Classification{Major: "personal", Minor: "identity", Detail: "name", Confidence: 0.8}, 10.0},
		{"conversation", types.Classification{Major: "temporal", Minor: "conversation", Detail: "statement", Confidence: 0.5}, 4.0},
		{"technical skill", types.Classification{Major: "knowledge", Minor: "skill", Detail: "technical", Confidence: 0.5}, 9.0},
		{"nontechnical skill uses major base", types.Classification{Major: "knowledge", Minor: "skill", Detail: "language", Confidence: 0.5}, 7.0},
		{"fact", types.Classification{Major: "knowledge", Minor: "fact", Detail: "general", Confidence: 0.3}, 6.6},
		{"unknown major defaults", types.Classification{Major: "misc", Minor: "", Detail: "", Confidence: 0.0}, 5.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, c.Importance(tt.cl), 1e-9)
		})
	}
}

func TestRelatedTypes(t *testing.T) {
	c := New()

	name := types.Classification{Major: "personal", Minor: "identity", Detail: "name"}
	related := c.RelatedTypes(name)
	assert.Equal(t, []string{
		"personal/identity/age",
		"personal/identity/location",
		"personal/identity",
	}, related)

	ctx := types.Classification{Major: "temporal", Minor: "context", Detail: "current"}
	assert.Equal(t, []string{"temporal/context"}, c.RelatedTypes(ctx))
}
