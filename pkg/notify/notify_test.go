package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestNotifyJobStatsChangedSignalsListener(t *testing.T) {
	d := NewDispatcher(rate.Inf, nil)
	ch := make(chan struct{}, 1)
	h := d.ListenJobStats(ch)
	defer h.Close()

	d.NotifyJobStatsChanged()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected signal")
	}
}

func TestNotifyCoalescesBurstsUnderRateLimit(t *testing.T) {
	d := NewDispatcher(rate.Limit(0.001), nil)
	ch := make(chan struct{}, 1)
	h := d.ListenJobStats(ch)
	defer h.Close()

	for i := 0; i < 100; i++ {
		d.NotifyJobStatsChanged()
	}

	select {
	case <-ch:
	default:
		t.Fatal("expected at least one signal through the burst")
	}
	select {
	case <-ch:
		t.Fatal("expected only one coalesced signal")
	default:
	}
}

func TestHandleCloseUnsubscribes(t *testing.T) {
	d := NewDispatcher(rate.Inf, nil)
	ch := make(chan struct{}, 1)
	h := d.ListenJobStats(ch)
	h.Close()

	d.NotifyJobStatsChanged()

	select {
	case <-ch:
		t.Fatal("closed listener should not receive signals")
	default:
	}
}

func TestMetadataAndJobStatsAreIndependentCategories(t *testing.T) {
	d := NewDispatcher(rate.Inf, nil)
	jobCh := make(chan struct{}, 1)
	metaCh := make(chan struct{}, 1)
	d.ListenJobStats(jobCh)
	d.ListenMetadata(metaCh)

	d.NotifyMetadataChanged()

	select {
	case <-metaCh:
	default:
		t.Fatal("expected metadata signal")
	}
	select {
	case <-jobCh:
		t.Fatal("job stats listener should not receive metadata signals")
	default:
	}
}

func TestShutdownClosesDoneChannel(t *testing.T) {
	d := NewDispatcher(rate.Inf, nil)
	require.NoError(t, d.Shutdown(context.Background()))
	select {
	case <-d.Done():
	default:
		t.Fatal("expected Done channel closed after Shutdown")
	}
	assert.NoError(t, d.Shutdown(context.Background()))
}
