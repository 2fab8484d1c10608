package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"economy-guard/internal/model"
)

func TestFormatEvents(t *testing.T) {
	assert.Equal(t, "Events: none", FormatEvents("Events", nil))

	at := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	out := FormatEvents("Events", []model.SecurityEvent{
		model.NewSecurityEvent(7, model.EventBan, "threshold reached", at, nil),
		model.NewSecurityEvent(7, model.EventSuspicious, "point gain", at.Add(-time.Minute), nil),
	})
	assert.Contains(t, out, "Events (2):")
	assert.Contains(t, out, "🚫 03-05 14:30:00 user 7 [ban] threshold reached")
	assert.Contains(t, out, "[suspicious] point gain")
}

func TestFormatActivity(t *testing.T) {
	assert.Contains(t, FormatActivity(9, model.UserActivity{}, false, 5), "no activity recorded")

	out := FormatActivity(9, model.UserActivity{
		SaveCount:       3,
		LastSaveTime:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		SuspiciousFlags: []string{"a", "b", "c", "d", "e"},
		Banned:          true,
	}, true, 5)
	assert.Contains(t, out, "🚫 banned")
	assert.Contains(t, out, "Saves: 3 (last 2024-01-01T00:00:00Z)")
	assert.Contains(t, out, "Flags: 5/5")
}

func TestFormatSnapshot(t *testing.T) {
	out := FormatSnapshot(model.GameStateSnapshot{
		DivinePoints:      12345.6,
		PointsPerSecond:   2.5,
		MiningLevel:       12,
		UpgradesPurchased: 4,
		CurrentEnergy:     30,
		MaxEnergy:         100,
	})
	assert.Contains(t, out, "Points: 12346 (2.50/s)")
	assert.Contains(t, out, "Level: 12, upgrades: 4")
	assert.Contains(t, out, "Energy: 30/100")
}

func TestParseLimit(t *testing.T) {
	n, err := parseLimit(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultEventLimit, n)

	n, err = parseLimit([]string{"500"})
	require.NoError(t, err)
	assert.Equal(t, maxEventLimit, n)

	_, err = parseLimit([]string{"-1"})
	assert.Error(t, err)
	_, err = parseLimit([]string{"abc"})
	assert.Error(t, err)
}
