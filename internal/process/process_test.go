package process

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemos/internal/types"
)

func classification(major, minor, detail string) types.Classification {
	return types.Classification{Major: major, Minor: minor, Detail: detail, Confidence: 0.8}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "오늘 날씨가 돼요", normalize("  오늘  날씨가   되요 "))
	assert.Equal(t, "됐어요", normalize("됬어요"))
	assert.Equal(t, "a b c", normalize("a\tb\n\nc"))
}

func TestExtractEntities(t *testing.T) {
	t.Run("name", func(t *testing.T) {
		entities := extractEntities("제 이름은 김철수입니다.")
		require.Len(t, entities, 1)
		assert.Equal(t, "name", entities[0].Type)
		assert.Equal(t, "김철수", entities[0].Value)
		assert.InDelta(t, 0.8, entities[0].Confidence, 1e-9)
	})

	t.Run("age with number", func(t *testing.T) {
		entities := extractEntities("저는 28살입니다")
		require.Len(t, entities, 2)
		assert.Equal(t, "age", entities[0].Type)
		assert.Equal(t, "28", entities[0].Value)
		assert.InDelta(t, 0.6, entities[0].Confidence, 1e-9)
		assert.Equal(t, "number", entities[1].Type)
		assert.InDelta(t, 1.0, entities[1].Confidence, 1e-9)
	})

	t.Run("korean date", func(t *testing.T) {
		entities := extractEntities("2024년 3월 15일에 입사했습니다")
		var date *types.Entity
		for i := range entities {
			if entities[i].Type == "date" {
				date = &entities[i]
			}
		}
		require.NotNil(t, date)
		assert.Equal(t, "2024년 3월 15일", date.Value)
		assert.InDelta(t, 0.9, date.Confidence, 1e-9)
	})

	t.Run("no entities", func(t *testing.T) {
		assert.Empty(t, extractEntities("그냥 인사드려요"))
	})
}

func TestExtractKeywords(t *testing.T) {
	t.Run("particles stripped and deduped", func(t *testing.T) {
		got := extractKeywords("사과는 사과를 사과가 맛있습니다")
		assert.Equal(t, []string{"사과", "맛있습니다"}, got)
	})

	t.Run("short tokens and stop words dropped", func(t *testing.T) {
		got := extractKeywords("그 수 ab 서버 작업")
		assert.Equal(t, []string{"서버", "작업"}, got)
	})

	t.Run("capped at ten", func(t *testing.T) {
		words := []string{
			"알파", "베타", "감마", "델타", "입실론", "제타", "에타",
			"세타", "이오타", "카파", "람다", "뮤텍스",
		}
		got := extractKeywords(strings.Join(words, " "))
		assert.Len(t, got, 10)
		assert.Equal(t, "알파", got[0])
	})
}

func TestSummarize(t *testing.T) {
	t.Run("short content unchanged", func(t *testing.T) {
		assert.Equal(t, "짧은 문장", summarize("짧은 문장", 100))
	})

	t.Run("priority marker sentence wins", func(t *testing.T) {
		long := strings.Repeat("가나다 ", 30) + ". 특히 이 부분이 포인트입니다. 나머지는 부가 설명입니다."
		got := summarize(long, 100)
		assert.Contains(t, got, "특히")
	})

	t.Run("first sentence fallback", func(t *testing.T) {
		long := "첫 문장입니다. " + strings.Repeat("둘째 ", 40)
		assert.Equal(t, "첫 문장입니다", summarize(long, 100))
	})
}

func TestProcessConversation(t *testing.T) {
	p := New()

	t.Run("question raises importance", func(t *testing.T) {
		pc := p.Process("오늘 날씨 어때?", classification("temporal", "conversation", "question"), 0)
		assert.True(t, pc.ShouldStore)
		assert.Equal(t, types.FormatFull, pc.StorageFormat)
		assert.InDelta(t, 7.0, pc.Importance, 1e-9)
		assert.Equal(t, true, pc.Metadata["is_question"])
		assert.Equal(t, true, pc.Metadata["response_needed"])
	})

	t.Run("plain statement", func(t *testing.T) {
		pc := p.Process("좋은 하루였습니다", classification("temporal", "conversation", "statement"), 0)
		assert.True(t, pc.ShouldStore)
		assert.InDelta(t, 5.0, pc.Importance, 1e-9)
		assert.Equal(t, false, pc.Metadata["is_question"])
	})
}

func TestProcessFact(t *testing.T) {
	p := New()

	t.Run("entity-backed fact", func(t *testing.T) {
		pc := p.Process("서버 메모리는 128 기가입니다", classification("knowledge", "fact", "general"), 0)
		assert.True(t, pc.ShouldStore)
		assert.Equal(t, types.FormatStructured, pc.StorageFormat)
		assert.Equal(t, "number: 128", pc.StructuredContent)
		assert.InDelta(t, 7.1, pc.Importance, 1e-9)
		assert.Equal(t, "general", pc.Metadata["fact_type"])
	})

	t.Run("thin content suppressed", func(t *testing.T) {
		pc := p.Process("음 그래서 말이야", classification("knowledge", "fact", "general"), 0)
		assert.False(t, pc.ShouldStore)
	})

	t.Run("importance capped at nine", func(t *testing.T) {
		content := "2024년 3월 15일 통계 데이터 12 34 56 78 긴 내용 추가 자료 샘플 수치 정리"
		pc := p.Process(content, classification("knowledge", "fact", "general"), 0)
		assert.LessOrEqual(t, pc.Importance, 9.0)
		assert.Equal(t, "statistical", pc.Metadata["fact_type"])
	})
}

func TestProcessPreference(t *testing.T) {
	p := New()

	t.Run("like", func(t *testing.T) {
		pc := p.Process("김치를 좋아해요", classification("personal", "preference", "food"), 0)
		assert.True(t, pc.ShouldStore)
		assert.Equal(t, types.FormatJSON, pc.StorageFormat)
		assert.InDelta(t, 6.8, pc.Importance, 1e-9)
		assert.Equal(t, "김치", pc.Metadata["subject"])
		assert.Equal(t, "like", pc.Metadata["preference_type"])
		assert.Contains(t, pc.StructuredContent, `"preference_level":8`)
	})

	t.Run("dislike", func(t *testing.T) {
		pc := p.Process("당근이 싫어요", classification("personal", "preference", "food"), 0)
		assert.True(t, pc.ShouldStore)
		assert.InDelta(t, 6.3, pc.Importance, 1e-9)
		assert.Equal(t, "dislike", pc.Metadata["preference_type"])
	})

	t.Run("no resolved level suppressed", func(t *testing.T) {
		pc := p.Process("과일은 그냥 그래요", classification("personal", "preference", "food"), 0)
		assert.False(t, pc.ShouldStore)
	})
}

func TestProcessIdentity(t *testing.T) {
	p := New()

	t.Run("name attribute stored", func(t *testing.T) {
		pc := p.Process("제 이름은 김철수입니다.", classification("personal", "identity", "name"), 0)
		assert.True(t, pc.ShouldStore)
		assert.Equal(t, types.FormatJSON, pc.StorageFormat)
		assert.InDelta(t, 9.0, pc.Importance, 1e-9)
		assert.Equal(t, "이름: 김철수", pc.Summary)
		assert.Contains(t, pc.StructuredContent, "김철수")

		require.Len(t, pc.Entities, 1)
		assert.Equal(t, "name", pc.Entities[0].Type)
		assert.GreaterOrEqual(t, pc.Entities[0].Confidence, 0.6)
	})

	t.Run("no attributes suppressed", func(t *testing.T) {
		pc := p.Process("저는 Python 개발자입니다.", classification("personal", "identity", "name"), 0)
		assert.False(t, pc.ShouldStore)
		assert.Equal(t, "신원 정보", pc.Summary)
	})
}

func TestProcessSkill(t *testing.T) {
	p := New()

	t.Run("skills parsed", func(t *testing.T) {
		pc := p.Process("Python과 Docker를 전문적으로 다룹니다", classification("knowledge", "skill", "technical"), 0)
		assert.True(t, pc.ShouldStore)
		assert.InDelta(t, 7.5, pc.Importance, 1e-9)
		assert.Contains(t, pc.StructuredContent, "Python")
		assert.Contains(t, pc.Keywords, "Python")
		assert.Equal(t, "expert", pc.Metadata["level"])
	})

	t.Run("no skills suppressed", func(t *testing.T) {
		pc := p.Process("잘 부탁드립니다", classification("knowledge", "skill", "technical"), 0)
		assert.False(t, pc.ShouldStore)
	})
}

func TestProcessExperience(t *testing.T) {
	p := New()

	t.Run("recent experience boosted", func(t *testing.T) {
		content := "올해 진행한 프로젝트에서 많은 것을 배웠습니다 정말 좋은 경험이었고 팀과 함께 성장했습니다"
		pc := p.Process(content, classification("knowledge", "experience", "work"), 0)
		assert.True(t, pc.ShouldStore)
		assert.Equal(t, types.FormatFull, pc.StorageFormat)
		assert.InDelta(t, 8.0, pc.Importance, 1e-9)
	})

	t.Run("short experience suppressed", func(t *testing.T) {
		pc := p.Process("재미있었어요", classification("knowledge", "experience", "personal"), 0)
		assert.False(t, pc.ShouldStore)
	})
}

func TestProcessDefaultBranch(t *testing.T) {
	p := New()

	t.Run("seed importance flows through", func(t *testing.T) {
		pc := p.Process("백엔드 팀을 이끌고 있습니다", classification("personal", "profession", "role"), 8.5)
		assert.True(t, pc.ShouldStore)
		assert.Equal(t, types.FormatFull, pc.StorageFormat)
		assert.InDelta(t, 8.5, pc.Importance, 1e-9)
	})

	t.Run("zero seed uses default", func(t *testing.T) {
		pc := p.Process("백엔드 팀을 이끌고 있습니다", classification("personal", "profession", "role"), 0)
		assert.InDelta(t, 5.0, pc.Importance, 1e-9)
	})
}

func TestProcessDeterminism(t *testing.T) {
	p := New()
	cl := classification("knowledge", "fact", "general")

	first := p.Process("서울 사무실에는 모니터가 42대 있습니다", cl, 0)
	for i := 0; i < 5; i++ {
		again := p.Process("서울 사무실에는 모니터가 42대 있습니다", cl, 0)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("processing not deterministic (-first +again):\n%s", diff)
		}
	}
}
