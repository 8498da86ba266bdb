package taskmgr

import (
	"context"
	"testing"
	"time"
)

func TestCreateTaskNormalizesTTL(t *testing.T) {
	m := New(0, 0)

	task, err := m.CreateTask(0, "working", "owner-a")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.TTL != maxTTL {
		t.Fatalf("TTL = %v, want default max %v", task.TTL, maxTTL)
	}

	task2, err := m.CreateTask(time.Millisecond, "working", "owner-a")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task2.TTL != minTTL {
		t.Fatalf("TTL = %v, want clamp to min %v", task2.TTL, minTTL)
	}

	task3, err := m.CreateTask(48*time.Hour, "working", "owner-a")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task3.TTL != maxTTL {
		t.Fatalf("TTL = %v, want clamp to max %v", task3.TTL, maxTTL)
	}
}

func TestCreateTaskEnforcesMaxTotal(t *testing.T) {
	m := New(1, 0)
	if _, err := m.CreateTask(time.Minute, "w", "a"); err != nil {
		t.Fatalf("first CreateTask: %v", err)
	}
	if _, err := m.CreateTask(time.Minute, "w", "b"); err == nil {
		t.Fatalf("expected capacity error at maxTotal")
	}
}

func TestCreateTaskEnforcesMaxPerOwner(t *testing.T) {
	m := New(0, 1)
	if _, err := m.CreateTask(time.Minute, "w", "owner"); err != nil {
		t.Fatalf("first CreateTask: %v", err)
	}
	if _, err := m.CreateTask(time.Minute, "w", "owner"); err == nil {
		t.Fatalf("expected capacity error at maxPerOwner")
	}
	if _, err := m.CreateTask(time.Minute, "w", "other"); err != nil {
		t.Fatalf("expected different owner to have its own quota: %v", err)
	}
}

func TestGetTaskScopesToOwner(t *testing.T) {
	m := New(0, 0)
	task, _ := m.CreateTask(time.Minute, "w", "owner-a")

	if _, ok := m.GetTask(task.TaskID, "owner-b"); ok {
		t.Fatalf("expected cross-owner GetTask to miss")
	}
	got, ok := m.GetTask(task.TaskID, "owner-a")
	if !ok || got.TaskID != task.TaskID {
		t.Fatalf("GetTask = %+v, ok=%v", got, ok)
	}
}

func TestGetTaskLazilyEvictsExpired(t *testing.T) {
	m := New(0, 0)
	task, _ := m.CreateTask(time.Millisecond, "w", "owner")
	// CreateTask clamps the 1ms TTL up to minTTL, so wait past that.
	time.Sleep(minTTL + 20*time.Millisecond)

	if _, ok := m.GetTask(task.TaskID, "owner"); ok {
		t.Fatalf("expected expired task to be evicted on read")
	}
}

func TestUpdateTaskIgnoredAfterTerminal(t *testing.T) {
	m := New(0, 0)
	task, _ := m.CreateTask(time.Minute, "w", "owner")

	updated, ok := m.UpdateTask(task.TaskID, UpdatePatch{Status: StatusCompleted, StatusMessage: "done"})
	if !ok || updated.Status != StatusCompleted {
		t.Fatalf("UpdateTask = %+v, ok=%v", updated, ok)
	}

	again, ok := m.UpdateTask(task.TaskID, UpdatePatch{Status: StatusFailed, StatusMessage: "should not apply"})
	if !ok || again.Status != StatusCompleted || again.StatusMessage != "done" {
		t.Fatalf("expected terminal task frozen, got %+v", again)
	}
}

func TestCancelTaskIsIdempotent(t *testing.T) {
	m := New(0, 0)
	task, _ := m.CreateTask(time.Minute, "w", "owner")

	var cancelled bool
	ctx, cancel := context.WithCancel(context.Background())
	_ = ctx
	m.BindAbortController(task.TaskID, func() { cancelled = true; cancel() })

	first, ok := m.CancelTask(task.TaskID, "owner", "stopped")
	if !ok || first.Status != StatusCancelled {
		t.Fatalf("first CancelTask = %+v, ok=%v", first, ok)
	}
	if !cancelled {
		t.Fatalf("expected abort controller to fire")
	}

	second, ok := m.CancelTask(task.TaskID, "owner", "stopped again")
	if !ok || second.StatusMessage != "stopped" {
		t.Fatalf("expected idempotent cancel to keep original message, got %+v", second)
	}
}

func TestCancelTaskWrongOwnerMisses(t *testing.T) {
	m := New(0, 0)
	task, _ := m.CreateTask(time.Minute, "w", "owner-a")
	if _, ok := m.CancelTask(task.TaskID, "owner-b", "nope"); ok {
		t.Fatalf("expected cross-owner cancel to miss")
	}
}

func TestCancelTasksByOwner(t *testing.T) {
	m := New(0, 0)
	t1, _ := m.CreateTask(time.Minute, "w", "owner")
	t2, _ := m.CreateTask(time.Minute, "w", "owner")
	_, _ = m.CreateTask(time.Minute, "w", "other-owner")

	cancelled := m.CancelTasksByOwner("owner", "bulk stop")
	if len(cancelled) != 2 {
		t.Fatalf("cancelled = %d, want 2", len(cancelled))
	}
	for _, id := range []string{t1.TaskID, t2.TaskID} {
		got, _ := m.GetTask(id, "owner")
		if got.Status != StatusCancelled {
			t.Fatalf("task %s status = %s, want cancelled", id, got.Status)
		}
	}
}

func TestListTasksPaginatesStably(t *testing.T) {
	m := New(0, 0)
	var ids []string
	for i := 0; i < 5; i++ {
		task, err := m.CreateTask(time.Minute, "w", "owner")
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		ids = append(ids, task.TaskID)
	}

	page1, err := m.ListTasks(ListOptions{OwnerKey: "owner", Limit: 2})
	if err != nil {
		t.Fatalf("ListTasks page1: %v", err)
	}
	if len(page1.Tasks) != 2 || page1.NextCursor == "" {
		t.Fatalf("page1 = %+v", page1)
	}

	page2, err := m.ListTasks(ListOptions{OwnerKey: "owner", Cursor: page1.NextCursor, Limit: 2})
	if err != nil {
		t.Fatalf("ListTasks page2: %v", err)
	}
	if len(page2.Tasks) != 2 || page2.NextCursor == "" {
		t.Fatalf("page2 = %+v", page2)
	}

	page3, err := m.ListTasks(ListOptions{OwnerKey: "owner", Cursor: page2.NextCursor, Limit: 2})
	if err != nil {
		t.Fatalf("ListTasks page3: %v", err)
	}
	if len(page3.Tasks) != 1 || page3.NextCursor != "" {
		t.Fatalf("page3 = %+v", page3)
	}

	var seen []string
	for _, tk := range append(append(page1.Tasks, page2.Tasks...), page3.Tasks...) {
		seen = append(seen, tk.TaskID)
	}
	if len(seen) != len(ids) {
		t.Fatalf("seen %d tasks across pages, want %d", len(seen), len(ids))
	}
}

func TestListTasksRejectsMalformedCursor(t *testing.T) {
	m := New(0, 0)
	_, err := m.ListTasks(ListOptions{OwnerKey: "owner", Cursor: "not-valid-base64!!"})
	if err != ErrMalformedCursor {
		t.Fatalf("err = %v, want ErrMalformedCursor", err)
	}
}

func TestWaitForTerminalTaskResolvesOnUpdate(t *testing.T) {
	m := New(0, 0)
	task, _ := m.CreateTask(time.Minute, "w", "owner")

	go func() {
		time.Sleep(5 * time.Millisecond)
		m.UpdateTask(task.TaskID, UpdatePatch{Status: StatusCompleted})
	}()

	got, ok := m.WaitForTerminalTask(context.Background(), task.TaskID, "owner")
	if !ok || got.Status != StatusCompleted {
		t.Fatalf("WaitForTerminalTask = %+v, ok=%v", got, ok)
	}
}

func TestWaitForTerminalTaskReturnsImmediatelyIfAlreadyTerminal(t *testing.T) {
	m := New(0, 0)
	task, _ := m.CreateTask(time.Minute, "w", "owner")
	m.UpdateTask(task.TaskID, UpdatePatch{Status: StatusFailed})

	got, ok := m.WaitForTerminalTask(context.Background(), task.TaskID, "owner")
	if !ok || got.Status != StatusFailed {
		t.Fatalf("WaitForTerminalTask = %+v, ok=%v", got, ok)
	}
}

func TestWaitForTerminalTaskCancelledByContext(t *testing.T) {
	m := New(0, 0)
	task, _ := m.CreateTask(time.Minute, "w", "owner")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := m.WaitForTerminalTask(ctx, task.TaskID, "owner")
	if ok {
		t.Fatalf("expected WaitForTerminalTask to stop when context is cancelled")
	}
}

func TestShrinkTTLAfterDeliveryDoesNotExtend(t *testing.T) {
	m := New(0, 0)
	task, _ := m.CreateTask(time.Second, "w", "owner")

	m.ShrinkTTLAfterDelivery(task.TaskID)

	m.mu.Lock()
	e := m.tasks[task.TaskID]
	shrunk := e.task.expiresAt
	m.mu.Unlock()

	if shrunk.After(task.expiresAt) {
		t.Fatalf("expected shrink to never extend TTL beyond the original expiry")
	}
}

func TestAbortAllTaskExecutions(t *testing.T) {
	m := New(0, 0)
	task, _ := m.CreateTask(time.Minute, "w", "owner")

	fired := make(chan struct{})
	m.BindAbortController(task.TaskID, func() { close(fired) })

	m.AbortAllTaskExecutions()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("expected abort controller to fire")
	}
}
