package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]*ContainerState
	startFails map[string]bool
	calls      []string
}

func newFakeEngine(names ...string) *fakeEngine {
	f := &fakeEngine{containers: map[string]*ContainerState{}, startFails: map[string]bool{}}
	for _, n := range names {
		f.containers[n] = &ContainerState{Name: n, Status: "created"}
	}
	return f
}

func (f *fakeEngine) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeEngine) Inspect(_ context.Context, name string) (ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return ContainerState{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return *c, nil
}

func (f *fakeEngine) Stop(_ context.Context, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop %s", name)
	c := f.containers[name]
	c.Running, c.Status = false, "exited"
	return nil
}

func (f *fakeEngine) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start %s", name)
	c, ok := f.containers[name]
	if !ok {
		return ErrNotFound
	}
	if f.startFails[c.ID+name] {
		c.Status = "exited"
		return nil
	}
	c.Running, c.Status = true, "running"
	return nil
}

func (f *fakeEngine) Rename(_ context.Context, name, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rename %s %s", name, newName)
	c := f.containers[name]
	delete(f.containers, name)
	c.Name = newName
	f.containers[newName] = c
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rm %s", name)
	delete(f.containers, name)
	return nil
}

func TestFinalizeSwapsContainers(t *testing.T) {
	e := newFakeEngine("projectshelf", "projectshelf-backup-1")
	e.containers["projectshelf-backup-1"].Running = true

	err := Finalize(context.Background(), e, FinalizeOptions{
		Old: "projectshelf-backup-1", New: "projectshelf", PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	got := strings.Join(e.calls, ", ")
	if got != "stop projectshelf-backup-1, start projectshelf" {
		t.Errorf("calls = %s", got)
	}
	if !e.containers["projectshelf"].Running {
		t.Error("new container should be running")
	}
}

func TestFinalizeRollsBack(t *testing.T) {
	e := newFakeEngine("projectshelf", "projectshelf-backup-1")
	e.containers["projectshelf-backup-1"].Running = true
	e.containers["projectshelf-backup-1"].ID = "old"
	e.containers["projectshelf"].ID = "new"
	e.startFails["newprojectshelf"] = true

	err := Finalize(context.Background(), e, FinalizeOptions{
		Old: "projectshelf-backup-1", New: "projectshelf",
		PollInterval: time.Millisecond, StartTimeout: 50 * time.Millisecond,
	})
	if err == nil || !strings.Contains(err.Error(), "previous container restored") {
		t.Fatalf("Finalize error = %v", err)
	}

	c := e.containers["projectshelf"]
	if c == nil || c.ID != "old" || !c.Running {
		t.Errorf("restored container = %+v", c)
	}
	if _, ok := e.containers["projectshelf-backup-1"]; ok {
		t.Error("backup name should be gone after rollback")
	}
}

func TestFinalizeRequiresNewContainer(t *testing.T) {
	e := newFakeEngine("projectshelf-backup-1")
	err := Finalize(context.Background(), e, FinalizeOptions{Old: "projectshelf-backup-1", New: "projectshelf"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Finalize error = %v, want ErrNotFound", err)
	}
	if len(e.calls) != 0 {
		t.Errorf("nothing should be touched, got %v", e.calls)
	}
}
