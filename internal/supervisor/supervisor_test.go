package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/goclaw-orchestrator/internal/model"
)

func TestSupervisor_StartInvalidCommand(t *testing.T) {
	s := New("nonexistent-command-xyz", nil, nil, DefaultPolicy(), nil)
	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("expected error for nonexistent command")
	}
	if !strings.Contains(err.Error(), "nonexistent-command-xyz") {
		t.Errorf("error should mention command name, got: %v", err)
	}
}

func TestSupervisor_StartAndWriteWithCat(t *testing.T) {
	s := New("cat", nil, nil, DefaultPolicy(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.Info().Status != model.ProcessRunning {
		t.Fatalf("status = %v, want running", s.Info().Status)
	}

	if err := s.Write("hello"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	select {
	case ev := <-s.Events():
		if ev.Kind != EventOutput && ev.Kind != EventStatusChange {
			t.Errorf("unexpected first event kind: %v", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.Info().Status != model.ProcessStopped {
		t.Errorf("status after Stop = %v, want stopped", s.Info().Status)
	}
}

func TestSupervisor_WriteBeforeStartFails(t *testing.T) {
	s := New("cat", nil, nil, DefaultPolicy(), nil)
	if err := s.Write("x"); err == nil {
		t.Error("expected error writing before start")
	}
}

func TestSupervisor_StartTwiceSequentiallyFailsAlreadyRunning(t *testing.T) {
	s := New("cat", nil, nil, DefaultPolicy(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	defer s.Stop(context.Background())

	if err := s.Start(ctx); !errors.Is(err, ErrProcessAlreadyRunning) {
		t.Fatalf("second Start error = %v, want ErrProcessAlreadyRunning", err)
	}
}

func TestSupervisor_StartConcurrentlyOneWinsOneAlreadyStarting(t *testing.T) {
	s := New("cat", nil, nil, DefaultPolicy(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			results <- s.Start(ctx)
		}()
	}
	wg.Wait()
	close(results)
	defer s.Stop(context.Background())

	var oks, alreadyStarting, alreadyRunning int
	for err := range results {
		switch {
		case err == nil:
			oks++
		case errors.Is(err, ErrProcessAlreadyStarting):
			alreadyStarting++
		case errors.Is(err, ErrProcessAlreadyRunning):
			alreadyRunning++
		default:
			t.Fatalf("unexpected Start error: %v", err)
		}
	}
	if oks != 1 {
		t.Fatalf("oks = %d, want exactly 1 successful Start", oks)
	}
	if alreadyStarting+alreadyRunning != 1 {
		t.Fatalf("expected exactly 1 rejected concurrent Start, got starting=%d running=%d", alreadyStarting, alreadyRunning)
	}
}

func TestSupervisor_DoubleStop(t *testing.T) {
	s := New("cat", nil, nil, DefaultPolicy(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("first Stop failed: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("second Stop should not error, got: %v", err)
	}
}
