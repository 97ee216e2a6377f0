package api

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/liaorch/lia/internal/proto"
)

const (
	defaultLogTailLines = 200
	logPollInterval     = 500 * time.Millisecond
)

// handleTaskOutput returns the current Output-frame replay buffer as a
// JSON array; it does not upgrade or block.
func (s *Server) handleTaskOutput(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if _, err := s.store.Get(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, CodeTaskNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "failed to get task")
		return
	}

	ch := s.registry.Get(id)
	if ch == nil {
		writeJSON(w, http.StatusOK, []proto.WsFrame{})
		return
	}
	writeJSON(w, http.StatusOK, ch.GetBufferedOutput())
}

// handleTaskStream upgrades to a WebSocket and implements the protocol from
// spec §6: on connect, replay buffered Output frames, then stream live.
// The client may send Input (forwarded into the guest) and Ping (answered
// with Pong).
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if _, err := s.store.Get(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, CodeTaskNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "failed to get task")
		return
	}

	ch := s.registry.GetOrCreate(id)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	// Replay buffered Output frames, then subscribe before any further
	// frame could be missed.
	for _, frame := range ch.GetBufferedOutput() {
		if err := writeWsFrame(ctx, conn, frame); err != nil {
			return
		}
	}
	sub, unsub := ch.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go s.pumpWsReads(ctx, id, conn, ch, done)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-done:
			return
		case frame, ok := <-sub:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "task ended")
				return
			}
			if err := writeWsFrame(ctx, conn, frame); err != nil {
				return
			}
		}
	}
}

// pumpWsReads reads client frames (Input, Ping) until the connection
// closes or ctx is done, closing done on exit.
func (s *Server) pumpWsReads(ctx context.Context, taskID string, conn *websocket.Conn, ch interface {
	SendInput(string) error
}, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame proto.WsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case proto.WsInput:
			if err := ch.SendInput(frame.Data); err != nil {
				s.log.Debug("input dropped, no guest sender registered", "task_id", taskID, "error", err)
			}
		case proto.WsPing:
			pong := proto.WsFrame{Type: proto.WsPong}
			if err := writeWsFrame(ctx, conn, pong); err != nil {
				return
			}
		}
	}
}

func writeWsFrame(ctx context.Context, conn *websocket.Conn, frame proto.WsFrame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// handleTaskLogs returns the tail of a task's serial log file as plain text.
func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	t, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, CodeTaskNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "failed to get task")
		return
	}
	if t.VMID == "" {
		writeError(w, http.StatusNotFound, CodeNotFound, "task has no log yet")
		return
	}

	n := defaultLogTailLines
	if v, err := strconv.Atoi(r.URL.Query().Get("tail")); err == nil && v > 0 {
		n = v
	}

	lines, err := tailLines(s.cfg.LogPathFor(t.VMID), n)
	if err != nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "log file not available")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

// handleTaskLogsStream follows a task's serial log file via Server-Sent
// Events, polling for appended bytes.
func (s *Server) handleTaskLogsStream(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	t, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, CodeTaskNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "failed to get task")
		return
	}
	if t.VMID == "" {
		writeError(w, http.StatusNotFound, CodeNotFound, "task has no log yet")
		return
	}

	path := s.cfg.LogPathFor(t.VMID)
	n := defaultLogTailLines
	if v, err := strconv.Atoi(r.URL.Query().Get("tail")); err == nil && v > 0 {
		n = v
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	lines, _ := tailLines(path, n)
	for _, line := range lines {
		fmt.Fprintf(w, "data: %s\n\n", line)
	}
	if flusher != nil {
		flusher.Flush()
	}

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	f.Seek(0, os.SEEK_END)
	reader := bufio.NewReader(f)

	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				line, err := reader.ReadString('\n')
				if line != "" {
					fmt.Fprintf(w, "data: %s\n\n", trimNewlineAPI(line))
					if flusher != nil {
						flusher.Flush()
					}
				}
				if err != nil {
					break
				}
			}
		}
	}
}

func trimNewlineAPI(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// tailLines reads the last n lines of path.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}
	if len(all) <= n {
		return all, nil
	}
	return all[len(all)-n:], nil
}
