package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.temporal.io/sdk/client"
)

func TestScheduleInterval(t *testing.T) {
	assert.Equal(t, time.Duration(0), scheduleInterval(nil))

	// A hand-created cron or calendar schedule has no intervals.
	assert.Equal(t, time.Duration(0), scheduleInterval(&client.ScheduleSpec{}))

	spec := &client.ScheduleSpec{
		Intervals: []client.ScheduleIntervalSpec{{Every: time.Minute}},
	}
	assert.Equal(t, time.Minute, scheduleInterval(spec))
}
