package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
}

func (f *fakeExecutor) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.processed.Add(1)
	return &ExecutionResult{Report: "# Executive Summary\nok", ReportFile: task.OutputFile}, nil
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 10 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		topic := fmt.Sprintf("topic-%d", i)
		if _, err := service.Submit(ctx, SubmitRequest{Topic: topic, Provider: "OpenAI"}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(executor.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", executor.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(8), 3)

	if _, err := service.Submit(context.Background(), SubmitRequest{Topic: "  ", Provider: "OpenAI"}); err == nil {
		t.Fatal("expected validation error for empty topic")
	}
	if _, err := service.Submit(context.Background(), SubmitRequest{Topic: "topic", Provider: "Claude"}); err == nil {
		t.Fatal("expected validation error for unknown provider")
	}
}

func TestServiceSubmitBuildsResearchTask(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(8), 3)

	submitted, err := service.Submit(context.Background(), SubmitRequest{Topic: "quantum computing", Provider: "GROQ", Model: "llama2-70b-4096"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if submitted.Status != StatusPending || submitted.MaxRetries != 3 {
		t.Fatalf("unexpected task: %+v", submitted)
	}
	for _, section := range ReportSections() {
		if !strings.Contains(submitted.ExpectedOutput, section) {
			t.Fatalf("expected output missing section %q", section)
		}
	}
	if !strings.HasPrefix(submitted.OutputFile, "output/report-") {
		t.Fatalf("unexpected output file: %s", submitted.OutputFile)
	}
}

func TestServiceWaitUntilCompleted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 3)

	submitted, err := service.Submit(ctx, SubmitRequest{Topic: "topic", Provider: "OpenAI"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		if _, err := store.Claim(ctx, submitted.ID); err != nil {
			t.Errorf("claim failed: %v", err)
			return
		}
		if err := store.MarkSucceeded(ctx, submitted.ID, ExecutionResult{Report: "done"}); err != nil {
			t.Errorf("mark succeeded failed: %v", err)
		}
	}()

	done, err := service.WaitUntilCompleted(ctx, submitted.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if done.Status != StatusSucceeded || done.Result == nil || done.Result.Report != "done" {
		t.Fatalf("unexpected completed task: %+v", done)
	}
}
