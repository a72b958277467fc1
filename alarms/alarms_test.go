package alarms_test

import (
	"testing"
	"time"

	"github.com/adwatch/adwatchd/alarms"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func waitForFire(t *testing.T, fired <-chan string, want string) {
	t.Helper()
	select {
	case name := <-fired:
		require.Equal(t, want, name)
	case <-time.After(2 * time.Second):
		t.Fatalf("alarm %q did not fire", want)
	}
}

func TestClock_FiresAndRearms(t *testing.T) {
	clock := alarms.NewClock(zerolog.Nop())
	defer clock.Stop()

	fired := make(chan string, 8)
	clock.SetHandler(func(name string) { fired <- name })

	clock.Create("refresh", time.Now(), 10*time.Millisecond)

	waitForFire(t, fired, "refresh")
	waitForFire(t, fired, "refresh") // re-armed by period
}

func TestClock_OneShot(t *testing.T) {
	clock := alarms.NewClock(zerolog.Nop())
	defer clock.Stop()

	fired := make(chan string, 8)
	clock.SetHandler(func(name string) { fired <- name })

	clock.Create("auth-check", time.Now(), 0)

	waitForFire(t, fired, "auth-check")
	select {
	case <-fired:
		t.Fatal("one-shot alarm fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClock_ClearStopsFiring(t *testing.T) {
	clock := alarms.NewClock(zerolog.Nop())
	defer clock.Stop()

	fired := make(chan string, 8)
	clock.SetHandler(func(name string) { fired <- name })

	clock.Create("refresh", time.Now().Add(time.Hour), time.Hour)
	require.True(t, clock.Clear("refresh"))
	require.False(t, clock.Clear("refresh"))

	select {
	case <-fired:
		t.Fatal("cleared alarm fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClock_CreateReplacesExisting(t *testing.T) {
	clock := alarms.NewClock(zerolog.Nop())
	defer clock.Stop()

	fired := make(chan string, 8)
	clock.SetHandler(func(name string) { fired <- name })

	clock.Create("refresh", time.Now().Add(time.Hour), time.Hour)
	clock.Create("refresh", time.Now(), 0)

	waitForFire(t, fired, "refresh")
}
