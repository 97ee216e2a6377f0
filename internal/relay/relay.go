// Package relay implements the Relay: it owns the host end of the guest
// socket, performs the init handshake, and runs the two byte pumps
// (guest->fanout, input->guest).
//
// Grounded on the original vsock relay (dial-retry loop, CONNECT
// handshake, Init frame, reader/writer pumps) and on the teacher's
// NetControlChannel framing for the newline-delimited JSON wire format.
package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/liaorch/lia/internal/fanout"
	"github.com/liaorch/lia/internal/proto"
	"github.com/liaorch/lia/internal/vmm"
)

const (
	guestPort = 5000

	dialPollInterval = 100 * time.Millisecond
	dialMaxAttempts  = 600 // 600 * 100ms = 60s total, per the guest-dial timeout
	logEveryNAttempt = 50

	inputChanCapacity = 100
)

// Relay dials a VM's guest socket and bridges it to a fanout.TaskChannel.
type Relay struct {
	log hclog.Logger
}

// New returns a Relay.
func New(l hclog.Logger) *Relay {
	if l == nil {
		l = hclog.NewNullLogger()
	}
	return &Relay{log: l.Named("relay")}
}

// Start dials the guest socket for inst via dialer, performs the Init
// handshake, and spawns the reader and writer pumps. It returns once the
// handshake completes; the pumps continue running in background
// goroutines until the guest connection ends. ctx bounds only the dial
// and handshake; canceling it does not stop the pumps.
//
// Frames read from the guest are broadcast onto ch. Start does not return
// the input channel: it installs it with ch.SetInputSender before the
// pumps start.
//
// onExit is invoked exactly once from the reader pump's goroutine when
// the guest connection ends, whether via an explicit Exit frame or an
// ungraceful disconnect, so the caller can tear down the VM the same way
// for either case.
func (r *Relay) Start(ctx context.Context, taskID string, dialer vmm.GuestDialer, ch *fanout.TaskChannel, apiKey, prompt string, files []proto.File, onExit func(exitCode int, errMsg string)) error {
	conn, err := r.dial(ctx, dialer)
	if err != nil {
		return fmt.Errorf("relay: dial guest: %w", err)
	}

	if dialer.RequiresHandshake() {
		if err := r.handshake(ctx, conn, dialer.Port()); err != nil {
			conn.Close()
			return fmt.Errorf("relay: handshake: %w", err)
		}
	}

	init := proto.NewGuestInit(apiKey, prompt, files)
	if err := writeFrame(conn, init); err != nil {
		conn.Close()
		return fmt.Errorf("relay: send init: %w", err)
	}

	input := make(chan string, inputChanCapacity)
	ch.SetInputSender(input)

	go r.readerPump(taskID, conn, ch, onExit)
	go r.writerPump(taskID, conn, input)

	return nil
}

// dial retries every 100ms up to 60s total. Connection-refused and any
// other dial error are treated identically: "not yet booted".
func (r *Relay) dial(ctx context.Context, dialer vmm.GuestDialer) (vmm.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= dialMaxAttempts; attempt++ {
		conn, err := dialer.Dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt%logEveryNAttempt == 0 {
			r.log.Info("still dialing guest socket", "attempt", attempt, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialPollInterval):
		}
	}
	return nil, fmt.Errorf("timed out after %d attempts: %w", dialMaxAttempts, lastErr)
}

// handshake performs the UDS-multiplexed vsock text handshake:
// "CONNECT <port>\n" -> a line beginning "OK ".
func (r *Relay) handshake(ctx context.Context, conn vmm.Conn, port int) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if _, err := conn.Write([]byte(fmt.Sprintf("CONNECT %d\n", port))); err != nil {
		return err
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	if len(line) < 3 || line[:3] != "OK " {
		return fmt.Errorf("unexpected handshake response: %q", line)
	}
	return nil
}

// readerPump reads newline-delimited GuestFrames from the guest and
// translates them into WsFrame broadcasts on ch, per §4.4 step 5. It
// calls onExit exactly once, whichever of an explicit Exit frame or a
// connection drop happens first, so the caller can tear the VM down.
func (r *Relay) readerPump(taskID string, conn vmm.Conn, ch *fanout.TaskChannel, onExit func(exitCode int, errMsg string)) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var gf proto.GuestFrame
		if err := json.Unmarshal(line, &gf); err != nil {
			r.log.Debug("malformed guest frame, skipping", "task_id", taskID, "error", err)
			continue
		}

		switch gf.Type {
		case proto.GuestOutput:
			ch.Send(proto.NewWsOutput(gf.Data, time.Now().UnixMilli()))
		case proto.GuestExit:
			code := gf.Code
			ch.Send(proto.NewWsStatus(proto.StatusTerminated, &code))
			onExit(code, "")
			return
		case proto.GuestError:
			ch.Send(proto.NewWsError(gf.Message))
		case proto.GuestHeartbeat:
			// ignore
		default:
			r.log.Debug("unknown guest frame type, skipping", "task_id", taskID, "type", gf.Type)
		}
	}
	// EOF or scan error without an explicit Exit frame: the guest
	// connection dropped ungracefully. Still tear down so the VM, TAP,
	// and allocator reservation don't outlive the connection.
	errMsg := ""
	if err := scanner.Err(); err != nil {
		r.log.Warn("guest connection read error", "task_id", taskID, "error", err)
		errMsg = err.Error()
	}
	onExit(1, errMsg)
}

// writerPump serializes GuestFrame::Input for each string received on
// input and writes it to the guest; on write error it stops.
func (r *Relay) writerPump(taskID string, conn vmm.Conn, input <-chan string) {
	for data := range input {
		frame := proto.NewGuestInput(data)
		if err := writeFrame(conn, frame); err != nil {
			r.log.Warn("guest connection write error, stopping writer pump", "task_id", taskID, "error", err)
			return
		}
	}
}

func writeFrame(conn vmm.Conn, frame proto.GuestFrame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = conn.Write(b)
	return err
}
