package orchestrator

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mnemos/internal/types"
)

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "Korean", detectLanguage("안녕하세요"))
	assert.Equal(t, "Korean", detectLanguage("ㅋㅋ that was funny"))
	assert.Equal(t, "English", detectLanguage("hello there"))
	assert.Equal(t, "English", detectLanguage("12345 !?"))
}

func TestAnalyzeIntent(t *testing.T) {
	tests := []struct {
		message string
		want    types.Intent
	}{
		{"방금 뭐라고 했어?", types.IntentRecallPrevious},
		{"아까 제가 말한 거 기억나요?", types.IntentRecallPrevious},
		{"what did i just say?", types.IntentRecallPrevious},
		{"파이썬이 뭐야?", types.IntentQuestion},
		{"내일 날씨는 어떨까요?", types.IntentQuestion},
		{"제 이름은 김철수입니다", types.IntentInformationSharing},
		{"i'm a backend developer", types.IntentInformationSharing},
		{"안녕하세요", types.IntentGreeting},
		{"hello everyone", types.IntentGreeting},
		{"오늘 회사에 다녀왔어요", types.IntentConversation},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, analyzeIntent(strings.ToLower(tt.message)))
		})
	}
}

func TestTemporalReference(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"방금 한 말 기억해?", "just_now"},
		{"지금 뭐 하고 있어요?", "just_now"},
		{"아까 그 얘기 말이야", "recent"},
		{"어제 회의 어땠어요?", "yesterday"},
		{"옛날 생각이 나네요", "past"},
		{"날씨가 좋네요", ""},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, temporalReference(strings.ToLower(tt.message)))
		})
	}
}

func TestQuestionType(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"이름이 뭐예요?", "what"},
		{"누구세요?", "who"},
		{"언제 만날까요?", "when"},
		{"어디에 있어요?", "where"},
		{"어떻게 해요?", "how"},
		{"왜 그래요?", "why"},
		{"진짜요?", "general"},
		{"좋은 하루 보내세요", ""},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, questionType(strings.ToLower(tt.message)))
		})
	}
}

func TestAnalyzeSentiment(t *testing.T) {
	assert.Equal(t, "positive", analyzeSentiment(strings.ToLower("정말 감사합니다 최고예요")))
	assert.Equal(t, "negative", analyzeSentiment(strings.ToLower("진짜 싫어 짜증나")))
	assert.Equal(t, "neutral", analyzeSentiment(strings.ToLower("오늘 회의 있어요")))
	// One marker from each family cancels out.
	assert.Equal(t, "neutral", analyzeSentiment(strings.ToLower("좋아하지만 짜증나")))
}

func TestNeedsMemory(t *testing.T) {
	tests := []struct {
		message string
		want    bool
	}{
		{"아까 그 얘기 해줘", true},                // temporal reference
		{"내가 뭐 좋아한다고 했지?", true},           // self-referential question
		{"what food did i like?", true},
		{"점심 먹었어요", false},
		{"날씨 알려줘", false},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, needsMemory(strings.ToLower(tt.message)))
		})
	}
}

func TestContinuity(t *testing.T) {
	f := newFixture(t, nil)

	turn := func(userID, message string) {
		f.tracker.AppendTurn(userID, types.ConversationTurn{
			Message:   message,
			Intent:    types.IntentConversation,
			Timestamp: time.Now().UTC(),
		})
	}

	t.Run("no history scores zero", func(t *testing.T) {
		und := f.orch.Understand("u-fresh", "그래서 어떻게 됐어?")
		assert.Zero(t, und.Continuity)
	})

	t.Run("explicit connective", func(t *testing.T) {
		turn("u-conn", "어제 발표 준비를 했어요")
		und := f.orch.Understand("u-conn", "그래서 어떻게 됐어?")
		assert.InDelta(t, 0.8, und.Continuity, 1e-9)
	})

	t.Run("heavy keyword overlap", func(t *testing.T) {
		turn("u-heavy", "파이썬 공부 시작 했어요")
		und := f.orch.Understand("u-heavy", "파이썬 공부 시작 지점이 어디죠?")
		assert.InDelta(t, 0.6, und.Continuity, 1e-9)
	})

	t.Run("light keyword overlap", func(t *testing.T) {
		turn("u-light", "영화 봤어요")
		und := f.orch.Understand("u-light", "영화 추천해줘")
		assert.InDelta(t, 0.3, und.Continuity, 1e-9)
	})

	t.Run("unrelated turn", func(t *testing.T) {
		turn("u-new", "영화 봤어요")
		und := f.orch.Understand("u-new", "점심 메뉴 추천해줘")
		assert.Zero(t, und.Continuity)
	})
}

func TestUnderstandRecallTurn(t *testing.T) {
	f := newFixture(t, nil)

	und := f.orch.Understand("u1", "방금 제가 뭐라고 말했죠?")

	assert.Equal(t, "Korean", und.Language)
	assert.Equal(t, types.IntentRecallPrevious, und.Intent)
	assert.Equal(t, "just_now", und.TemporalReference)
	assert.Equal(t, "what", und.QuestionType)
	assert.Equal(t, "neutral", und.Sentiment)
	assert.True(t, und.RequiresMemory)
	assert.Equal(t, "temporal/conversation/question", und.MemoryType)
	assert.InDelta(t, 7.0, und.Processed.Importance, 1e-9)
	assert.True(t, und.Processed.ShouldStore)
}
