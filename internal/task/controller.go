package task

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/liaorch/lia/internal/allocator"
	"github.com/liaorch/lia/internal/fanout"
	"github.com/liaorch/lia/internal/proto"
	"github.com/liaorch/lia/internal/vmm"
)

// repoNamePattern matches the owner/name shape §4.6 requires of every
// repository string.
var repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+/[A-Za-z0-9._-]+$`)

// Sentinel errors the api package maps to HTTP status codes.
var (
	ErrInvalidState = errors.New("task: invalid state for this operation")
	ErrValidation   = errors.New("task: validation failed")
)

// Store is the narrow persistence contract the Controller depends on.
// Satisfied by *store.Store; declared here to avoid an import cycle
// (store imports task for its row type).
type Store interface {
	Create(ctx context.Context, t *Task) error
	UpdateStatus(ctx context.Context, id string, status Status, vmID string) error
	UpdateIPAddress(ctx context.Context, id, ip string) error
	Complete(ctx context.Context, id string, exitCode int, errMsg string) error
	Get(ctx context.Context, id string) (*Task, error)
}

// Relay is the narrow contract the Controller needs from internal/relay,
// declared here rather than imported directly; *relay.Relay satisfies it
// structurally, and tests substitute a fake.
//
// onExit is called at most once, from a relay-owned goroutine, when the
// guest connection ends — either an explicit Exit frame or an ungraceful
// disconnect. The Controller uses it to tear down the VM and reclaim
// resources the same way Delete does, so a task that finishes on its own
// never outlives its VM, TAP, and allocator reservation.
type Relay interface {
	Start(ctx context.Context, taskID string, dialer vmm.GuestDialer, ch *fanout.TaskChannel, apiKey, prompt string, files []File, onExit func(exitCode int, errMsg string)) error
}

const (
	defaultTimeoutMinutes = 30
	defaultMemoryMB       = 2048
	defaultVCPUs          = 2
	defaultStorageGB      = 10

	launchTimeout = 90 * time.Second
)

// Controller is the Task Lifecycle Controller: it accepts new task
// requests, drives them through a Driver launch in the background, bridges
// boot progress and guest I/O into the fanout.Registry, and persists every
// transition to the Store.
type Controller struct {
	store    Store
	alloc    *allocator.Allocator
	driver   vmm.Driver
	relay    Relay
	registry *fanout.Registry
	log      hclog.Logger
	apiKey   func() string

	mu     sync.Mutex
	active map[string]allocator.Reservation
}

// New builds a Controller. apiKey supplies the gateway API key forwarded to
// each guest's Init frame; it is a func rather than a plain string so the
// daemon may rotate it without reconstructing the Controller.
func New(s Store, alloc *allocator.Allocator, driver vmm.Driver, relay Relay, registry *fanout.Registry, apiKey func() string, l hclog.Logger) *Controller {
	if l == nil {
		l = hclog.NewNullLogger()
	}
	return &Controller{
		store:    s,
		alloc:    alloc,
		driver:   driver,
		relay:    relay,
		registry: registry,
		log:      l.Named("controller"),
		apiKey:   apiKey,
		active:   make(map[string]allocator.Reservation),
	}
}

// trackReservation records r as taskID's live allocator reservation so
// Delete or a guest-exit callback can release it later without the
// launch goroutine's local state.
func (c *Controller) trackReservation(taskID string, r allocator.Reservation) {
	c.mu.Lock()
	c.active[taskID] = r
	c.mu.Unlock()
}

// releaseReservation releases taskID's reservation, if one is tracked.
// Safe to call more than once; only the first call does anything.
func (c *Controller) releaseReservation(taskID string) {
	c.mu.Lock()
	r, ok := c.active[taskID]
	if ok {
		delete(c.active, taskID)
	}
	c.mu.Unlock()
	if ok {
		c.alloc.Release(r)
	}
}

// Create validates req, assigns a Task ID, persists it as Pending, and
// launches its VM in a background goroutine. It returns the Task as soon
// as the row is durable; callers subscribe to the fanout channel for boot
// progress and output.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (*Task, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	for _, repo := range req.Repositories {
		if !repoNamePattern.MatchString(repo) {
			return nil, fmt.Errorf("%w: repository %q must match owner/name", ErrValidation, repo)
		}
	}

	cfg := req.Config
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.TimeoutMinutes == 0 {
		cfg.TimeoutMinutes = defaultTimeoutMinutes
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.VCPUs == 0 {
		cfg.VCPUs = defaultVCPUs
	}
	if cfg.StorageGB == 0 {
		cfg.StorageGB = defaultStorageGB
	}

	source := req.Source
	if source == "" {
		source = SourceWeb
	}

	t := &Task{
		ID:           uuid.NewString(),
		Status:       StatusPending,
		UserID:       req.UserID,
		Source:       source,
		GuildID:      req.GuildID,
		Repositories: req.Repositories,
		Prompt:       req.Prompt,
		Files:        req.Files,
		SSHPublicKey: req.SSHPublicKey,
		Config:       cfg,
		CreatedAt:    time.Now().UTC(),
	}

	if err := c.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("task: persist: %w", err)
	}

	c.registry.GetOrCreate(t.ID)
	go c.launch(t)

	return t, nil
}

// launch drives one task from Pending through to either Running (guest
// attached and serving) or Terminated (launch failure). It runs detached
// from the HTTP request that created the task.
func (c *Controller) launch(t *Task) {
	ctx, cancel := context.WithTimeout(context.Background(), launchTimeout)
	defer cancel()

	ch := c.registry.GetOrCreate(t.ID)
	log := c.log.With("task_id", t.ID)

	c.setStatus(ctx, t, StatusStarting, "")

	r := c.alloc.Allocate(shortID(t.ID))
	c.trackReservation(t.ID, r)
	bootCfg := vmm.BootConfig{
		VCPUs:        t.Config.VCPUs,
		MemoryMB:     t.Config.MemoryMB,
		StorageGB:    t.Config.StorageGB,
		SSHPublicKey: t.SSHPublicKey,
	}

	// progressQueue bridges the driver's synchronous launch goroutine into
	// the fanout broadcast without holding any driver-internal lock across
	// a channel send: the callback only enqueues, a single consumer
	// goroutine drains and broadcasts.
	progress := make(chan proto.BootStage, len(c.allBootStages()))
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		for stage := range progress {
			ch.Send(proto.NewWsProgress(stage))
			if stage == proto.StageConnectingAgent {
				log.Debug("guest socket reachable, handing off to relay")
			}
		}
	}()

	inst, err := c.driver.Launch(ctx, t.ID, r, bootCfg, func(stage proto.BootStage) {
		select {
		case progress <- stage:
		default:
			log.Warn("progress queue full, dropping stage", "stage", stage)
		}
	})
	close(progress)
	<-progressDone

	if err != nil {
		log.Error("launch failed", "error", err)
		c.releaseReservation(t.ID)
		c.fail(ctx, t, fmt.Sprintf("launch failed: %v", err))
		return
	}

	t.VMID = inst.VMID
	t.IPAddress = inst.IPAddress
	c.store.UpdateIPAddress(ctx, t.ID, inst.IPAddress)
	c.setStatus(ctx, t, StatusStarting, inst.VMID)

	ch.Send(proto.NewWsProgress(proto.StageConnectingAgent))
	dialer := c.driver.GuestDialer(inst, 5000)

	onExit := func(exitCode int, errMsg string) {
		c.completeFromGuest(t.ID, inst.VMID, exitCode, errMsg)
	}

	relayCtx := context.Background()
	if err := c.relay.Start(relayCtx, t.ID, dialer, ch, c.apiKey(), t.Prompt, t.Files, onExit); err != nil {
		log.Error("relay start failed", "error", err)
		_ = c.driver.Quit(context.Background(), inst.VMID)
		c.releaseReservation(t.ID)
		c.fail(ctx, t, fmt.Sprintf("relay failed: %v", err))
		return
	}

	ch.Send(proto.NewWsProgress(proto.StageInitializingAgent))
	ch.Send(proto.NewWsProgress(proto.StageReady))
	c.setStatus(ctx, t, StatusRunning, inst.VMID)
}

func (c *Controller) allBootStages() []proto.BootStage {
	return []proto.BootStage{
		proto.StageCreatingVm, proto.StageConfiguringVm, proto.StageWaitingForSocket,
		proto.StageBootingVm, proto.StageConnectingAgent, proto.StageInitializingAgent, proto.StageReady,
	}
}

func (c *Controller) setStatus(ctx context.Context, t *Task, status Status, vmID string) {
	t.Status = status
	if err := c.store.UpdateStatus(ctx, t.ID, status, vmID); err != nil {
		c.log.Warn("persist status failed", "task_id", t.ID, "status", status, "error", err)
	}
}

func (c *Controller) fail(ctx context.Context, t *Task, msg string) {
	t.Status = StatusTerminated
	t.ErrorMessage = msg
	if err := c.store.Complete(ctx, t.ID, 1, msg); err != nil {
		c.log.Warn("persist failure failed", "task_id", t.ID, "error", err)
	}
	c.registry.GetOrCreate(t.ID).Send(proto.NewWsError(msg))
	code := 1
	c.registry.GetOrCreate(t.ID).Send(proto.NewWsStatus(protoStatus(StatusTerminated), &code))
}

// completeFromGuest tears down taskID's VM after the guest connection
// ends on its own — an explicit Exit frame or an ungraceful disconnect —
// mirroring Delete's teardown so a task that finishes without an
// operator ever calling Delete still releases its VM, TAP, and allocator
// reservation instead of leaking them.
func (c *Controller) completeFromGuest(taskID, vmID string, exitCode int, errMsg string) {
	ctx := context.Background()
	if err := c.driver.Quit(ctx, vmID); err != nil {
		c.log.Warn("quit after guest exit failed", "task_id", taskID, "error", err)
	}
	c.releaseReservation(taskID)
	if err := c.store.Complete(ctx, taskID, exitCode, errMsg); err != nil {
		c.log.Warn("persist completion failed", "task_id", taskID, "error", err)
	}
	c.registry.Remove(taskID)
}

// Resume un-suspends a Suspended task's VM.
func (c *Controller) Resume(ctx context.Context, taskID string) error {
	t, err := c.store.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task: get: %w", err)
	}
	if t.Status != StatusSuspended {
		return fmt.Errorf("%w: task %s is not suspended (status=%s)", ErrInvalidState, taskID, t.Status)
	}
	if err := c.driver.Resume(ctx, t.VMID); err != nil {
		return fmt.Errorf("task: resume vm: %w", err)
	}
	c.setStatus(ctx, t, StatusRunning, t.VMID)
	c.registry.Broadcast(taskID, proto.NewWsStatus(protoStatus(StatusRunning), nil))
	return nil
}

// Suspend pauses a Running task's VM.
func (c *Controller) Suspend(ctx context.Context, taskID string) error {
	t, err := c.store.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task: get: %w", err)
	}
	if t.Status != StatusRunning {
		return fmt.Errorf("%w: task %s is not running (status=%s)", ErrInvalidState, taskID, t.Status)
	}
	if err := c.driver.Pause(ctx, t.VMID); err != nil {
		return fmt.Errorf("task: pause vm: %w", err)
	}
	c.setStatus(ctx, t, StatusSuspended, t.VMID)
	c.registry.Broadcast(taskID, proto.NewWsStatus(protoStatus(StatusSuspended), nil))
	return nil
}

// Delete forcefully stops a task's VM (if still alive), marks it
// Terminated, and tears down its fanout channel. It does not remove the
// Store row — the Task remains visible for GET/list, matching the
// soft-delete semantics of a terminal status.
func (c *Controller) Delete(ctx context.Context, taskID string) error {
	t, err := c.store.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task: get: %w", err)
	}
	if t.Status != StatusTerminated && t.VMID != "" {
		if err := c.driver.Quit(ctx, t.VMID); err != nil {
			c.log.Warn("quit during delete failed", "task_id", taskID, "error", err)
		}
	}
	c.releaseReservation(taskID)
	if t.Status != StatusTerminated {
		code := 0
		c.registry.Broadcast(taskID, proto.NewWsStatus(protoStatus(StatusTerminated), &code))
		if err := c.store.Complete(ctx, taskID, 0, ""); err != nil {
			return fmt.Errorf("task: mark terminated: %w", err)
		}
	}
	c.registry.Remove(taskID)
	return nil
}

// shortID returns the first 8 hex-safe characters of a UUID string for use
// as a human-greppable TAP device suffix.
func shortID(id string) string {
	clean := make([]byte, 0, 8)
	for i := 0; i < len(id) && len(clean) < 8; i++ {
		if id[i] != '-' {
			clean = append(clean, id[i])
		}
	}
	return string(clean)
}
