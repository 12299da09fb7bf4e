package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type fakeChecker struct {
	health map[Location]Health
	errs   map[Location]error
	calls  []Location
}

func (f *fakeChecker) CheckHealth(ctx context.Context, w Worker) (Health, error) {
	f.calls = append(f.calls, w.Location)
	if err, ok := f.errs[w.Location]; ok {
		return Health{}, err
	}
	return f.health[w.Location], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testWorkers() []Worker {
	return []Worker{
		{Location: LocationMac, URL: "https://mac.example.test", Priority: 1},
		{Location: LocationVM, URL: "https://vm.example.test", Priority: 2},
	}
}

func TestFindAvailableWorkerPrefersPriority(t *testing.T) {
	t.Parallel()

	checker := &fakeChecker{health: map[Location]Health{
		LocationMac: {Location: LocationMac, Healthy: true, Capacity: 1},
		LocationVM:  {Location: LocationVM, Healthy: true, Capacity: 5},
	}}
	d := NewDiscovery(testWorkers(), checker, discardLogger())

	w, h, err := d.FindAvailableWorker(context.Background())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if w.Location != LocationMac {
		t.Fatalf("expected mac (priority 1), got %s", w.Location)
	}
	if h.Capacity != 1 {
		t.Fatalf("unexpected health %+v", h)
	}
	// The scan stops at the first healthy worker.
	if len(checker.calls) != 1 {
		t.Fatalf("expected 1 check, got %v", checker.calls)
	}
}

func TestFindAvailableWorkerFallsBack(t *testing.T) {
	t.Parallel()

	// Mac is saturated; vm has room.
	checker := &fakeChecker{health: map[Location]Health{
		LocationMac: {Location: LocationMac, Healthy: false, Capacity: 0},
		LocationVM:  {Location: LocationVM, Healthy: true, Capacity: 2},
	}}
	d := NewDiscovery(testWorkers(), checker, discardLogger())

	w, _, err := d.FindAvailableWorker(context.Background())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if w.Location != LocationVM {
		t.Fatalf("expected fallback to vm, got %s", w.Location)
	}
}

func TestFindAvailableWorkerSkipsProbeErrors(t *testing.T) {
	t.Parallel()

	checker := &fakeChecker{
		errs: map[Location]error{LocationMac: ErrNetworkError},
		health: map[Location]Health{
			LocationVM: {Location: LocationVM, Healthy: true, Capacity: 1},
		},
	}
	d := NewDiscovery(testWorkers(), checker, discardLogger())

	w, _, err := d.FindAvailableWorker(context.Background())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if w.Location != LocationVM {
		t.Fatalf("expected vm after mac probe error, got %s", w.Location)
	}
}

func TestFindAvailableWorkerNoneHealthy(t *testing.T) {
	t.Parallel()

	checker := &fakeChecker{
		errs: map[Location]error{
			LocationMac: ErrHealthCheckFailed,
			LocationVM:  ErrNetworkError,
		},
	}
	d := NewDiscovery(testWorkers(), checker, discardLogger())

	if _, _, err := d.FindAvailableWorker(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if len(checker.calls) != 2 {
		t.Fatalf("expected every worker to be checked, got %v", checker.calls)
	}
}

func TestByLocation(t *testing.T) {
	t.Parallel()

	d := NewDiscovery(testWorkers(), &fakeChecker{}, discardLogger())

	w, ok := d.ByLocation(LocationVM)
	if !ok || w.URL != "https://vm.example.test" {
		t.Fatalf("expected vm worker, got %+v ok=%v", w, ok)
	}
	if _, ok := d.ByLocation(Location("cloud")); ok {
		t.Fatal("expected miss for unknown location")
	}
}
