package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemos/internal/types"
)

func turn(message string, intent types.Intent) types.ConversationTurn {
	return types.ConversationTurn{Message: message, Intent: intent}
}

func TestAppendTurnDropsOldest(t *testing.T) {
	tr := NewTracker(nil, nil)

	for i := 1; i <= 12; i++ {
		tr.AppendTurn("u1", turn(fmt.Sprintf("m%d", i), types.IntentConversation))
	}

	turns := tr.RecentTurns("u1", 0)
	require.Len(t, turns, 10)
	assert.Equal(t, "m3", turns[0].Message, "oldest two should be gone")
	assert.Equal(t, "m12", turns[9].Message)
}

func TestRecentTurnsReturnsLastN(t *testing.T) {
	tr := NewTracker(nil, nil)

	for i := 1; i <= 5; i++ {
		tr.AppendTurn("u1", turn(fmt.Sprintf("m%d", i), types.IntentConversation))
	}

	turns := tr.RecentTurns("u1", 3)
	require.Len(t, turns, 3)
	assert.Equal(t, "m3", turns[0].Message)
	assert.Equal(t, "m5", turns[2].Message)

	assert.Empty(t, tr.RecentTurns("unknown", 5))
}

func TestAppendTurnStampsTimestamp(t *testing.T) {
	tr := NewTracker(nil, nil)
	before := time.Now().UTC().Add(-time.Second)

	tr.AppendTurn("u1", turn("hello", types.IntentGreeting))

	turns := tr.RecentTurns("u1", 1)
	require.Len(t, turns, 1)
	assert.True(t, turns[0].Timestamp.After(before))
}

func TestCustomBufferSize(t *testing.T) {
	tr := NewTracker(&Config{BufferSize: 2}, nil)

	tr.AppendTurn("u1", turn("a", types.IntentConversation))
	tr.AppendTurn("u1", turn("b", types.IntentConversation))
	tr.AppendTurn("u1", turn("c", types.IntentConversation))

	turns := tr.RecentTurns("u1", 0)
	require.Len(t, turns, 2)
	assert.Equal(t, "b", turns[0].Message)
	assert.Equal(t, "c", turns[1].Message)
}

func TestObserveRunningAverages(t *testing.T) {
	tr := NewTracker(nil, nil)

	m := tr.Observe("u1", "1234567890", "English", types.IntentConversation)
	assert.Equal(t, 10.0, m.AvgMessageLength)

	m = tr.Observe("u1", "123456789012345678901234567890", "English", types.IntentConversation)
	assert.Equal(t, 20.0, m.AvgMessageLength)
	assert.Equal(t, 2, m.InteractionCount)
}

func TestObserveCountsRunesNotBytes(t *testing.T) {
	tr := NewTracker(nil, nil)

	// Five Hangul syllables are fifteen bytes.
	m := tr.Observe("u1", "안녕하세요", "Korean", types.IntentGreeting)
	assert.Equal(t, 5.0, m.AvgMessageLength)
}

func TestObserveQuestionFrequency(t *testing.T) {
	tr := NewTracker(nil, nil)

	m := tr.Observe("u1", "what did I say?", "English", types.IntentQuestion)
	assert.Equal(t, 1.0, m.QuestionFrequency)

	m = tr.Observe("u1", "I like coffee", "English", types.IntentInformationSharing)
	assert.Equal(t, 0.5, m.QuestionFrequency)

	m = tr.Observe("u1", "what was that?", "English", types.IntentRecallPrevious)
	assert.InDelta(t, 2.0/3.0, m.QuestionFrequency, 1e-9)
}

func TestObservePrefersBriefFollowsAverage(t *testing.T) {
	tr := NewTracker(nil, nil)

	m := tr.Observe("u1", "short", "English", types.IntentConversation)
	assert.True(t, m.PrefersBriefResponses)

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	m = tr.Observe("u1", string(long), "English", types.IntentConversation)
	assert.False(t, m.PrefersBriefResponses, "average crossed the threshold")
}

func TestObserveTracksIntents(t *testing.T) {
	tr := NewTracker(nil, nil)

	tr.Observe("u1", "hi", "English", types.IntentGreeting)
	tr.Observe("u1", "hello again", "English", types.IntentGreeting)
	m := tr.Observe("u1", "what's up?", "English", types.IntentQuestion)

	assert.Equal(t, 2, m.CommonIntents["greeting"])
	assert.Equal(t, 1, m.CommonIntents["question"])
}

func TestLanguagePreferenceIsSticky(t *testing.T) {
	tr := NewTracker(nil, nil)

	tr.Observe("u1", "안녕", "Korean", types.IntentGreeting)
	m := tr.Observe("u1", "hello", "English", types.IntentGreeting)
	assert.Equal(t, "Korean", m.LanguagePreference, "first observed language wins")
}

func TestModelReturnsCopy(t *testing.T) {
	tr := NewTracker(nil, nil)

	tr.Observe("u1", "hi", "English", types.IntentGreeting)

	m, ok := tr.Model("u1")
	require.True(t, ok)
	m.CommonIntents["greeting"] = 99

	fresh, _ := tr.Model("u1")
	assert.Equal(t, 1, fresh.CommonIntents["greeting"], "callers must not mutate tracked state")

	_, ok = tr.Model("unknown")
	assert.False(t, ok)
}

func TestConcurrentUsersDoNotRace(t *testing.T) {
	tr := NewTracker(nil, nil)

	var wg sync.WaitGroup
	for u := 0; u < 8; u++ {
		userID := fmt.Sprintf("user-%d", u)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tr.AppendTurn(userID, turn("msg", types.IntentConversation))
				tr.Observe(userID, "msg", "English", types.IntentConversation)
			}
		}()
	}
	wg.Wait()

	st := tr.TrackerStats()
	assert.Equal(t, 8, st.Users)
	assert.Equal(t, 80, st.BufferedTurns, "each buffer capped at its size")

	for u := 0; u < 8; u++ {
		m, ok := tr.Model(fmt.Sprintf("user-%d", u))
		require.True(t, ok)
		assert.Equal(t, 100, m.InteractionCount)
	}
}
