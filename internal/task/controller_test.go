package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/liaorch/lia/internal/allocator"
	"github.com/liaorch/lia/internal/fanout"
	"github.com/liaorch/lia/internal/proto"
	"github.com/liaorch/lia/internal/vmm"
)

type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func newFakeStore() *fakeStore { return &fakeStore{tasks: make(map[string]*Task)} }

func (s *fakeStore) Create(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id string, status Status, vmID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	t.Status = status
	if vmID != "" {
		t.VMID = vmID
	}
	return nil
}

func (s *fakeStore) UpdateIPAddress(ctx context.Context, id, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id].IPAddress = ip
	return nil
}

func (s *fakeStore) Complete(ctx context.Context, id string, exitCode int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	t.Status = StatusTerminated
	t.ExitCode = &exitCode
	t.ErrorMessage = errMsg
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *t
	return &cp, nil
}

var errNotFound = errors.New("task not found")

type fakeDriver struct {
	mu        sync.Mutex
	launchErr error
	pauseErr  error
	resumeErr error
	quitCalls []string
	instances map[string]*vmm.VmInstance
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{instances: make(map[string]*vmm.VmInstance)}
}

func (d *fakeDriver) Launch(ctx context.Context, taskID string, r allocator.Reservation, cfg vmm.BootConfig, cb vmm.ProgressFunc) (*vmm.VmInstance, error) {
	for _, s := range []proto.BootStage{proto.StageCreatingVm, proto.StageConfiguringVm, proto.StageWaitingForSocket, proto.StageBootingVm} {
		cb(s)
	}
	if d.launchErr != nil {
		return nil, d.launchErr
	}
	inst := &vmm.VmInstance{VMID: "vm-" + taskID, TaskID: taskID, CID: r.CID, IPAddress: r.IP, State: vmm.StateLive}
	d.mu.Lock()
	d.instances[inst.VMID] = inst
	d.mu.Unlock()
	return inst, nil
}

func (d *fakeDriver) Pause(ctx context.Context, vmID string) error  { return d.pauseErr }
func (d *fakeDriver) Resume(ctx context.Context, vmID string) error { return d.resumeErr }
func (d *fakeDriver) Quit(ctx context.Context, vmID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quitCalls = append(d.quitCalls, vmID)
	return nil
}
func (d *fakeDriver) GetInfo(vmID string) *vmm.VmInstance { return d.instances[vmID] }
func (d *fakeDriver) GuestDialer(inst *vmm.VmInstance, guestPort int) vmm.GuestDialer {
	return nil
}

type fakeRelay struct {
	mu       sync.Mutex
	startErr error
	started  chan string
	onExit   map[string]func(exitCode int, errMsg string)
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{started: make(chan string, 10), onExit: make(map[string]func(exitCode int, errMsg string))}
}

func (r *fakeRelay) Start(ctx context.Context, taskID string, dialer vmm.GuestDialer, ch *fanout.TaskChannel, apiKey, prompt string, files []File, onExit func(exitCode int, errMsg string)) error {
	if r.startErr != nil {
		return r.startErr
	}
	r.mu.Lock()
	r.onExit[taskID] = onExit
	r.mu.Unlock()
	r.started <- taskID
	return nil
}

// guestExit simulates the guest sending an Exit frame for taskID, as
// readerPump would on receiving one.
func (r *fakeRelay) guestExit(taskID string, exitCode int) {
	r.mu.Lock()
	cb := r.onExit[taskID]
	r.mu.Unlock()
	if cb != nil {
		cb(exitCode, "")
	}
}

func newTestController(store Store, driver vmm.Driver, relay Relay) *Controller {
	return New(store, allocator.New(), driver, relay, fanout.New(), func() string { return "test-key" }, nil)
}

func waitForStatus(t *testing.T, store *fakeStore, id string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.Get(context.Background(), id)
		if err == nil && got.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", id, want)
}

func TestCreateLaunchesSuccessfully(t *testing.T) {
	store := newFakeStore()
	driver := newFakeDriver()
	relay := newFakeRelay()
	c := newTestController(store, driver, relay)

	got, err := c.Create(context.Background(), CreateRequest{Prompt: "build a thing"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("expected initial status pending, got %s", got.Status)
	}

	waitForStatus(t, store, got.ID, StatusRunning)

	select {
	case id := <-relay.started:
		if id != got.ID {
			t.Fatalf("relay started for wrong task: %s", id)
		}
	default:
		t.Fatal("expected relay.Start to have been called")
	}
}

func TestCreateRejectsEmptyPrompt(t *testing.T) {
	c := newTestController(newFakeStore(), newFakeDriver(), newFakeRelay())
	if _, err := c.Create(context.Background(), CreateRequest{}); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func TestCreateAppliesDefaultConfig(t *testing.T) {
	store := newFakeStore()
	c := newTestController(store, newFakeDriver(), newFakeRelay())

	got, err := c.Create(context.Background(), CreateRequest{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Config.MemoryMB != defaultMemoryMB || got.Config.VCPUs != defaultVCPUs {
		t.Fatalf("expected defaults applied, got %+v", got.Config)
	}
}

func TestLaunchFailureMarksTerminated(t *testing.T) {
	store := newFakeStore()
	driver := newFakeDriver()
	driver.launchErr = errBoom
	c := newTestController(store, driver, newFakeRelay())

	got, err := c.Create(context.Background(), CreateRequest{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, store, got.ID, StatusTerminated)
	final, _ := store.Get(context.Background(), got.ID)
	if final.ExitCode == nil || *final.ExitCode != 1 {
		t.Fatalf("expected exit code 1 on launch failure, got %+v", final.ExitCode)
	}
}

var errBoom = errors.New("simulated launch failure")

func TestSuspendAndResume(t *testing.T) {
	store := newFakeStore()
	driver := newFakeDriver()
	c := newTestController(store, driver, newFakeRelay())

	got, err := c.Create(context.Background(), CreateRequest{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, store, got.ID, StatusRunning)

	if err := c.Suspend(context.Background(), got.ID); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	t1, _ := store.Get(context.Background(), got.ID)
	if t1.Status != StatusSuspended {
		t.Fatalf("expected suspended, got %s", t1.Status)
	}

	if err := c.Resume(context.Background(), got.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	t2, _ := store.Get(context.Background(), got.ID)
	if t2.Status != StatusRunning {
		t.Fatalf("expected running, got %s", t2.Status)
	}
}

func TestDeleteQuitsLiveVM(t *testing.T) {
	store := newFakeStore()
	driver := newFakeDriver()
	c := newTestController(store, driver, newFakeRelay())

	got, err := c.Create(context.Background(), CreateRequest{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, store, got.ID, StatusRunning)

	if err := c.Delete(context.Background(), got.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	final, _ := store.Get(context.Background(), got.ID)
	if final.Status != StatusTerminated {
		t.Fatalf("expected terminated after delete, got %s", final.Status)
	}
	if len(driver.quitCalls) != 1 {
		t.Fatalf("expected exactly one Quit call, got %d", len(driver.quitCalls))
	}
}

func TestGuestExitTearsDownWithoutDelete(t *testing.T) {
	store := newFakeStore()
	driver := newFakeDriver()
	relay := newFakeRelay()
	c := newTestController(store, driver, relay)

	got, err := c.Create(context.Background(), CreateRequest{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, store, got.ID, StatusRunning)

	relay.guestExit(got.ID, 0)

	waitForStatus(t, store, got.ID, StatusTerminated)
	final, _ := store.Get(context.Background(), got.ID)
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Fatalf("expected exit code 0 on clean guest exit, got %+v", final.ExitCode)
	}
	if len(driver.quitCalls) != 1 {
		t.Fatalf("expected exactly one Quit call on guest exit, got %d", len(driver.quitCalls))
	}

	c.mu.Lock()
	_, stillTracked := c.active[got.ID]
	c.mu.Unlock()
	if stillTracked {
		t.Fatal("expected allocator reservation to be released on guest exit")
	}
}
