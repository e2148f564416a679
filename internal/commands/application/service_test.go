package application

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	commands "loxone-gateway/internal/commands/domain"
	"loxone-gateway/internal/delivery"
)

type fakeConnectivity struct {
	healthy atomic.Bool
}

func (f *fakeConnectivity) Healthy() bool { return f.healthy.Load() }

type memoryRecorder struct {
	mu      sync.Mutex
	results []commands.CommandResult
}

func (m *memoryRecorder) Record(_ context.Context, result commands.CommandResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	return nil
}

func (m *memoryRecorder) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestService_DirectExecutionWhenHealthy(t *testing.T) {
	queue := newTestQueue(QueueConfig{})
	defer queue.Close()
	conn := &fakeConnectivity{}
	conn.healthy.Store(true)
	recorder := &memoryRecorder{}

	var calls int32
	executor := ExecutorFunc(func(_ context.Context, cmd *commands.QueuedCommand) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return json.RawMessage(`{"value":"1"}`), nil
	})
	service, err := NewService(queue, executor, WithConnectivity(conn), WithResultRecorder(recorder), WithServiceLogger(quietLogger()))
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	resp, err := service.IssueCommand(context.Background(), IssueRequest{DeviceID: "light-1", Command: "On", Priority: delivery.PriorityNormal})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if resp.Status != commands.StatusSucceeded || string(resp.Response) != `{"value":"1"}` {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if queue.Len() != 0 || recorder.Len() != 1 || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one direct execution, queue=%d recorded=%d calls=%d", queue.Len(), recorder.Len(), calls)
	}
}

func TestService_QueuesWhenUnhealthy(t *testing.T) {
	queue := newTestQueue(QueueConfig{})
	defer queue.Close()
	conn := &fakeConnectivity{}

	executor := ExecutorFunc(func(_ context.Context, _ *commands.QueuedCommand) (json.RawMessage, error) {
		t.Fatal("executor must not run while unhealthy")
		return nil, nil
	})
	service, err := NewService(queue, executor, WithConnectivity(conn), WithServiceLogger(quietLogger()))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	resp, err := service.IssueCommand(context.Background(), IssueRequest{DeviceID: "blind-1", Command: "FullUp", Priority: delivery.PriorityHigh})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if resp.Status != commands.StatusQueued {
		t.Fatalf("expected queued, got %s", resp.Status)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected 1 queued command, got %d", queue.Len())
	}
}

func TestService_TransientFailureFallsBackToQueue(t *testing.T) {
	queue := newTestQueue(QueueConfig{})
	defer queue.Close()

	executor := ExecutorFunc(func(_ context.Context, _ *commands.QueuedCommand) (json.RawMessage, error) {
		return nil, errors.New("connection refused")
	})
	service, _ := NewService(queue, executor, WithServiceLogger(quietLogger()))
	resp, err := service.IssueCommand(context.Background(), IssueRequest{DeviceID: "d", Command: "Pulse", Priority: delivery.PriorityNormal})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if resp.Status != commands.StatusQueued {
		t.Fatalf("expected queued, got %s", resp.Status)
	}
	cmd, ok := queue.Dequeue()
	if !ok || cmd.Attempts != 1 {
		t.Fatalf("expected queued command with one attempt, got %+v", cmd)
	}
}

func TestService_NotRetryableFailureReported(t *testing.T) {
	queue := newTestQueue(QueueConfig{})
	defer queue.Close()
	executor := ExecutorFunc(func(_ context.Context, _ *commands.QueuedCommand) (json.RawMessage, error) {
		return nil, commands.ErrNotRetryable
	})
	service, _ := NewService(queue, executor, WithServiceLogger(quietLogger()))
	resp, err := service.IssueCommand(context.Background(), IssueRequest{DeviceID: "d", Command: "On", Priority: delivery.PriorityNormal})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if resp.Status != commands.StatusFailed || resp.Error == "" || queue.Len() != 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestService_IdempotentWithinWindow(t *testing.T) {
	queue := newTestQueue(QueueConfig{})
	defer queue.Close()
	var calls int32
	executor := ExecutorFunc(func(_ context.Context, _ *commands.QueuedCommand) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	})
	service, _ := NewService(queue, executor, WithServiceLogger(quietLogger()))

	req := IssueRequest{DeviceID: "d", Command: "On", Source: "assistant", IdempotencyKey: "call-1", Priority: delivery.PriorityNormal}
	first, err := service.IssueCommand(context.Background(), req)
	if err != nil {
		t.Fatalf("first issue: %v", err)
	}
	second, err := service.IssueCommand(context.Background(), req)
	if err != nil {
		t.Fatalf("second issue: %v", err)
	}
	if first.CommandID != second.CommandID || !second.Duplicate {
		t.Fatalf("expected duplicate of %s, got %+v", first.CommandID, second)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one execution, got %d", calls)
	}

	other, err := service.IssueCommand(context.Background(), IssueRequest{DeviceID: "d", Command: "Off", Source: "assistant", IdempotencyKey: "call-2", Priority: delivery.PriorityNormal})
	if err != nil {
		t.Fatalf("other issue: %v", err)
	}
	if other.CommandID == first.CommandID {
		t.Fatalf("different command must get a new id")
	}
}

func TestService_RepeatedCommandsWithoutKeyAllExecute(t *testing.T) {
	queue := newTestQueue(QueueConfig{})
	defer queue.Close()
	var mu sync.Mutex
	var executed []string
	executor := ExecutorFunc(func(_ context.Context, cmd *commands.QueuedCommand) (json.RawMessage, error) {
		mu.Lock()
		executed = append(executed, cmd.Command)
		mu.Unlock()
		return nil, nil
	})
	service, _ := NewService(queue, executor, WithServiceLogger(quietLogger()))

	seen := make(map[string]bool)
	for _, command := range []string{"On", "Off", "On"} {
		resp, err := service.IssueCommand(context.Background(), IssueRequest{DeviceID: "light", Command: command, Source: "assistant", Priority: delivery.PriorityNormal})
		if err != nil {
			t.Fatalf("issue %s: %v", command, err)
		}
		if resp.Duplicate || seen[resp.CommandID] {
			t.Fatalf("command %s absorbed as duplicate: %+v", command, resp)
		}
		seen[resp.CommandID] = true
	}
	mu.Lock()
	defer mu.Unlock()
	if len(executed) != 3 || executed[0] != "On" || executed[1] != "Off" || executed[2] != "On" {
		t.Fatalf("expected On Off On, got %v", executed)
	}
}

func TestService_FailedCommandCanBeReissued(t *testing.T) {
	queue := newTestQueue(QueueConfig{})
	defer queue.Close()
	var calls int32
	executor := ExecutorFunc(func(_ context.Context, _ *commands.QueuedCommand) (json.RawMessage, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, commands.ErrNotRetryable
		}
		return nil, nil
	})
	service, _ := NewService(queue, executor, WithServiceLogger(quietLogger()))

	req := IssueRequest{DeviceID: "lock", Command: "Close", IdempotencyKey: "lock-close", Priority: delivery.PriorityHigh}
	first, err := service.IssueCommand(context.Background(), req)
	if err != nil {
		t.Fatalf("first issue: %v", err)
	}
	if first.Status != commands.StatusFailed {
		t.Fatalf("expected failed, got %+v", first)
	}
	retry, err := service.IssueCommand(context.Background(), req)
	if err != nil {
		t.Fatalf("retry issue: %v", err)
	}
	if retry.Duplicate || retry.CommandID == first.CommandID || retry.Status != commands.StatusSucceeded {
		t.Fatalf("expected fresh execution, got %+v", retry)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected two executions, got %d", calls)
	}
}

func TestService_ExpiredQueuedCommandCanBeReissued(t *testing.T) {
	queue := newTestQueue(QueueConfig{})
	defer queue.Close()
	conn := &fakeConnectivity{}
	service, _ := NewService(queue, ExecutorFunc(func(_ context.Context, _ *commands.QueuedCommand) (json.RawMessage, error) {
		return nil, nil
	}), WithConnectivity(conn), WithServiceLogger(quietLogger()))

	req := IssueRequest{DeviceID: "blind", Command: "FullDown", IdempotencyKey: "blind-down", Priority: delivery.PriorityNormal}
	first, err := service.IssueCommand(context.Background(), req)
	if err != nil {
		t.Fatalf("first issue: %v", err)
	}
	if dup, _ := service.IssueCommand(context.Background(), req); !dup.Duplicate {
		t.Fatalf("pending command should absorb the repeat, got %+v", dup)
	}
	service.Observe(context.Background(), commands.CommandResult{CommandID: first.CommandID, Status: commands.StatusExpired, Error: commands.ErrExpired.Error()})

	again, err := service.IssueCommand(context.Background(), req)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if again.Duplicate || again.CommandID == first.CommandID {
		t.Fatalf("expired command must not absorb reissue, got %+v", again)
	}
}

func TestService_ConsentRequired(t *testing.T) {
	queue := newTestQueue(QueueConfig{})
	defer queue.Close()
	executor := ExecutorFunc(func(_ context.Context, _ *commands.QueuedCommand) (json.RawMessage, error) {
		return nil, nil
	})

	service, _ := NewService(queue, executor, WithServiceLogger(quietLogger()))
	_, err := service.IssueCommand(context.Background(), IssueRequest{DeviceID: "door", Command: "Open", RequiresConsent: true, Priority: delivery.PriorityNormal})
	if !errors.Is(err, commands.ErrConsentRequired) || !errors.Is(err, commands.ErrNotRetryable) {
		t.Fatalf("expected consent error, got %v", err)
	}

	approving, _ := NewService(queue, executor, WithServiceLogger(quietLogger()), WithConsentChecker(ConsentFunc(func(_ context.Context, cmd *commands.QueuedCommand) (bool, error) {
		return cmd.DeviceID == "door", nil
	})))
	resp, err := approving.IssueCommand(context.Background(), IssueRequest{DeviceID: "door", Command: "Open", RequiresConsent: true, Priority: delivery.PriorityNormal})
	if err != nil {
		t.Fatalf("approved issue: %v", err)
	}
	if resp.Status != commands.StatusSucceeded {
		t.Fatalf("expected success, got %+v", resp)
	}
}

func TestService_ObserveUpdatesStatus(t *testing.T) {
	queue := newTestQueue(QueueConfig{})
	defer queue.Close()
	conn := &fakeConnectivity{}
	recorder := &memoryRecorder{}
	service, _ := NewService(queue, ExecutorFunc(func(_ context.Context, _ *commands.QueuedCommand) (json.RawMessage, error) {
		return nil, nil
	}), WithConnectivity(conn), WithResultRecorder(recorder), WithServiceLogger(quietLogger()))

	resp, err := service.IssueCommand(context.Background(), IssueRequest{DeviceID: "d", Command: "On", Priority: delivery.PriorityNormal})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if recorder.Len() != 0 {
		t.Fatalf("queued command should not be journaled yet")
	}
	service.Observe(context.Background(), commands.CommandResult{CommandID: resp.CommandID, Status: commands.StatusSucceeded, Success: true})
	status, ok := service.Status(resp.CommandID)
	if !ok || status.Status != commands.StatusSucceeded {
		t.Fatalf("expected succeeded status, got %+v", status)
	}
	if recorder.Len() != 1 {
		t.Fatalf("expected observed result to be journaled, got %d", recorder.Len())
	}
}

func TestService_ValidatesRequest(t *testing.T) {
	queue := newTestQueue(QueueConfig{})
	defer queue.Close()
	service, _ := NewService(queue, ExecutorFunc(func(_ context.Context, _ *commands.QueuedCommand) (json.RawMessage, error) {
		return nil, nil
	}))
	if _, err := service.IssueCommand(context.Background(), IssueRequest{Command: "On"}); err == nil {
		t.Fatalf("expected device_id error")
	}
	if _, err := service.IssueCommand(context.Background(), IssueRequest{DeviceID: "d"}); err == nil {
		t.Fatalf("expected command error")
	}
	if _, err := NewService(nil, nil); err == nil {
		t.Fatalf("expected constructor error")
	}
}

func TestDrainer_DrainsOnlyWhenHealthy(t *testing.T) {
	queue := newTestQueue(QueueConfig{})
	defer queue.Close()
	conn := &fakeConnectivity{}

	var calls int32
	executor := ExecutorFunc(func(_ context.Context, _ *commands.QueuedCommand) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	})
	drainer, err := NewDrainer(queue, executor, conn, nil, 5*time.Millisecond, time.Minute, quietLogger())
	if err != nil {
		t.Fatalf("drainer: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, _ = queue.Enqueue(&commands.QueuedCommand{DeviceID: "d", Command: "On"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go drainer.Start(ctx)

	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 || queue.Len() != 3 {
		t.Fatalf("expected no drain while unhealthy, calls=%d len=%d", calls, queue.Len())
	}

	conn.healthy.Store(true)
	drainer.Notify()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && queue.Len() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if queue.Len() != 0 {
		t.Fatalf("expected queue drained, got %d", queue.Len())
	}
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&calls) < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 executions, got %d", got)
	}
}
