package presence

import (
	"testing"
	"time"

	"beacon/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollapse(t *testing.T) {
	base := time.Now()
	snap := func(activity Activity, at time.Time, project string) SessionSnapshot {
		return SessionSnapshot{
			Handle:    "ada",
			Activity:  activity,
			Project:   project,
			UpdatedAt: at,
			Prefs:     models.DefaultPreference(1),
		}
	}

	t.Run("HighestPriorityWins", func(t *testing.T) {
		agg := Collapse([]SessionSnapshot{
			snap(ActivityIdle, base.Add(time.Minute), "idle-win"),
			snap(ActivityDebugging, base, "debug-win"),
			snap(ActivityCoding, base.Add(2*time.Minute), "code-win"),
		})
		require.NotNil(t, agg)
		assert.Equal(t, ActivityDebugging, agg.Activity)
		assert.Equal(t, "debug-win", agg.Project)
	})

	t.Run("TieGoesToMostRecent", func(t *testing.T) {
		agg := Collapse([]SessionSnapshot{
			snap(ActivityCoding, base, "older"),
			snap(ActivityCoding, base.Add(time.Second), "newer"),
		})
		assert.Equal(t, "newer", agg.Project)
	})

	t.Run("UnknownActivityRanksWithHidden", func(t *testing.T) {
		agg := Collapse([]SessionSnapshot{
			snap(Activity("Juggling"), base.Add(time.Hour), "bogus"),
			snap(ActivityIdle, base, "real"),
		})
		assert.Equal(t, "real", agg.Project)
	})

	t.Run("EmptyInputIsNil", func(t *testing.T) {
		assert.Nil(t, Collapse(nil))
	})
}

func TestCollapseAll(t *testing.T) {
	now := time.Now()
	aggs := CollapseAll([]SessionSnapshot{
		{Handle: "ada", Activity: ActivityCoding, UpdatedAt: now},
		{Handle: "ada", Activity: ActivityIdle, UpdatedAt: now},
		{Handle: "grace", Activity: ActivityReading, UpdatedAt: now},
	})
	require.Len(t, aggs, 2)
	assert.Equal(t, ActivityCoding, aggs["ada"].Activity)
	assert.Equal(t, ActivityReading, aggs["grace"].Activity)
}

func TestAggregatePublicMasking(t *testing.T) {
	agg := &Aggregate{
		Handle:   "ada",
		Status:   "Online",
		Activity: ActivityDebugging,
		Project:  "engine",
		Language: "go",
		Prefs:    models.DefaultPreference(1),
	}

	t.Run("DefaultsShareEverything", func(t *testing.T) {
		u := agg.Public()
		assert.Equal(t, "engine", u.Project)
		assert.Equal(t, "go", u.Language)
		assert.Equal(t, string(ActivityDebugging), u.Activity)
	})

	t.Run("SwitchesMaskFields", func(t *testing.T) {
		masked := *agg
		masked.Prefs.ShareProject = false
		masked.Prefs.ShareActivity = false
		u := masked.Public()
		assert.Empty(t, u.Project)
		assert.Equal(t, "go", u.Language)
		assert.Equal(t, string(ActivityHidden), u.Activity)
	})
}
