package wifi

import (
	"context"
	"errors"
	"testing"
	"time"
)

// flakyDriver fails a fixed number of joins before coming up.
type flakyDriver struct {
	*fakeDriver
	failures int
	failWith LinkStatus
}

func (f *flakyDriver) Join(ssid, password string) error {
	f.fakeDriver.Join(ssid, password)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joins <= f.failures {
		f.script = []LinkStatus{f.failWith}
	} else {
		f.script = []LinkStatus{LinkUp}
	}
	return nil
}

func TestConnectWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		failWith  LinkStatus
		attempts  int
		wantErr   bool
		wantJoins int
		wantFail  FailReason
	}{
		{"first attempt", 0, LinkNoNet, 3, false, 1, FailNone},
		{"recovers", 2, LinkNoNet, 3, false, 3, FailNone},
		{"exhausted", 5, LinkFail, 3, true, 3, FailGeneral},
		{"bad auth not retried", 5, LinkBadAuth, 3, true, 1, FailBadAuth},
		{"zero attempts tries once", 5, LinkNoNet, 0, true, 1, FailNoNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv := &flakyDriver{fakeDriver: newFakeDriver(), failures: tt.failures, failWith: tt.failWith}
			m := newTestManager(t, drv, nil, Hooks{})

			err := ConnectWithRetry(context.Background(), m,
				RetryPolicy{MaxAttempts: tt.attempts, Delay: time.Millisecond}, testLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if drv.joins != tt.wantJoins {
				t.Errorf("joins = %d, want %d", drv.joins, tt.wantJoins)
			}
			if m.FailReason() != tt.wantFail {
				t.Errorf("FailReason = %s, want %s", m.FailReason(), tt.wantFail)
			}
		})
	}
}

func TestConnectWithRetryContextCancelled(t *testing.T) {
	drv := &flakyDriver{fakeDriver: newFakeDriver(), failures: 10, failWith: LinkNoNet}
	m := newTestManager(t, drv, nil, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := ConnectWithRetry(ctx, m, RetryPolicy{MaxAttempts: 100, Delay: time.Hour}, testLogger())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if drv.joins != 1 {
		t.Errorf("joins = %d, want 1", drv.joins)
	}
}

func TestConnectWithRetryRunsHooksDuringDelay(t *testing.T) {
	drv := &flakyDriver{fakeDriver: newFakeDriver(), failures: 1, failWith: LinkNoNet}
	m := newTestManager(t, drv, nil, Hooks{})

	var serviced int
	m.SetServicePending(func() { serviced++ })

	err := ConnectWithRetry(context.Background(), m,
		RetryPolicy{MaxAttempts: 2, Delay: 50 * time.Millisecond}, testLogger())
	if err != nil {
		t.Fatalf("ConnectWithRetry: %v", err)
	}
	// Each attempt fails or succeeds on its first poll, so anything beyond
	// two calls came from the delay.
	if serviced < 10 {
		t.Errorf("ServicePending ran %d times across a 50ms delay at 1ms polls", serviced)
	}
}
