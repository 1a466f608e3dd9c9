package token

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDeterministic(t *testing.T) {
	gen := NewGenerator(30 * time.Minute)

	first := gen.Generate("session-a", 982144)
	second := gen.Generate("session-a", 982144)

	assert.Equal(t, first, second, "identical inputs must yield identical tokens")
	assert.Len(t, first, ValueWidth)
}

func TestGenerateVariesAcrossSlots(t *testing.T) {
	gen := NewGenerator(30 * time.Minute)

	tokens := make(map[string]int64)
	for slot := int64(982100); slot < 982200; slot++ {
		value := gen.Generate("session-a", slot)
		if prev, ok := tokens[value]; ok {
			t.Fatalf("token %q collides between slots %d and %d", value, prev, slot)
		}
		tokens[value] = slot
	}
}

func TestGenerateVariesAcrossSessions(t *testing.T) {
	gen := NewGenerator(30 * time.Minute)

	seen := make(map[string]string)
	for i := 0; i < 10000; i++ {
		sessionID := fmt.Sprintf("session-%04d", i)
		value := gen.Generate(sessionID, 982144)
		if prev, ok := seen[value]; ok {
			t.Fatalf("token %q collides between %s and %s", value, prev, sessionID)
		}
		seen[value] = sessionID
	}
}

func TestSlotAt(t *testing.T) {
	gen := NewGenerator(30 * time.Minute)

	at := time.Unix(1_767_225_600, 0) // exactly on a slot boundary
	slot := gen.SlotAt(at)
	assert.Equal(t, int64(1_767_225_600/1800), slot)

	// any instant inside the same interval maps to the same slot
	assert.Equal(t, slot, gen.SlotAt(at.Add(29*time.Minute+59*time.Second)))
	assert.Equal(t, slot+1, gen.SlotAt(at.Add(30*time.Minute)))
}

func TestSlotStartRoundTrip(t *testing.T) {
	gen := NewGenerator(30 * time.Minute)

	slot := gen.SlotAt(time.Now())
	start := gen.SlotStart(slot)

	assert.Equal(t, slot, gen.SlotAt(start))
	assert.Equal(t, slot, gen.SlotAt(start.Add(gen.Interval()-time.Second)))
}

func TestTokenAtMatchesGenerate(t *testing.T) {
	gen := NewGenerator(30 * time.Minute)

	at := time.Now()
	tok := gen.TokenAt("session-b", at)

	require.Equal(t, "session-b", tok.SessionID)
	assert.Equal(t, gen.SlotAt(at), tok.TimeSlot)
	assert.Equal(t, gen.Generate("session-b", tok.TimeSlot), tok.Value)
}

func TestGenerateConcurrent(t *testing.T) {
	gen := NewGenerator(30 * time.Minute)
	expected := gen.Generate("session-c", 42)

	done := make(chan string, 64)
	for i := 0; i < 64; i++ {
		go func() {
			done <- gen.Generate("session-c", 42)
		}()
	}
	for i := 0; i < 64; i++ {
		assert.Equal(t, expected, <-done)
	}
}
