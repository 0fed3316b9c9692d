package bootrecovery

import (
	"errors"
	"testing"
)

func TestDefaultHandlerRetriesHardwareOnce(t *testing.T) {
	l := NewLedger()
	err := New(CodeHardwareTimeout, "probe", 10, "no response")

	if d := l.Record(err); d != Retry {
		t.Fatalf("first hardware fault: got %s, want retry", d)
	}
	if d := l.Record(err); d != Abort {
		t.Fatalf("second hardware fault: got %s, want abort", d)
	}
}

func TestDefaultHandlerAbortsOnSystemHalt(t *testing.T) {
	l := NewLedger()
	err := New(CodeSystemHalt, "main", 1, "halted")
	if d := l.Record(err); d != Abort {
		t.Fatalf("got %s, want abort", d)
	}
}

func TestDefaultHandlerContinuesOnGeneric(t *testing.T) {
	l := NewLedger()
	err := New(CodeInvalidArgument, "parse", 5, "bad arg")
	if d := l.Record(err); d != Continue {
		t.Fatalf("got %s, want continue", d)
	}
}

func TestDiskHandlerRetriesTwiceThenAborts(t *testing.T) {
	l := NewLedger()
	l.SetHandler(CodeDiskReadFailed, DiskHandler)
	err := New(CodeDiskReadFailed, "readSector", 20, "timeout", 2048)

	if d := l.Record(err); d != Retry {
		t.Fatalf("occurrence 1: got %s, want retry", d)
	}
	if d := l.Record(err); d != Retry {
		t.Fatalf("occurrence 2: got %s, want retry", d)
	}
	if d := l.Record(err); d != Abort {
		t.Fatalf("occurrence 3: got %s, want abort", d)
	}
	if l.Count(CodeDiskReadFailed) != 3 {
		t.Fatalf("expected count 3, got %d", l.Count(CodeDiskReadFailed))
	}
}

func TestRetryOperationSucceedsEventually(t *testing.T) {
	attempts := 0
	err := RetryOperation(RetryConfig{MaxAttempts: 3}, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryOperationExhausts(t *testing.T) {
	attempts := 0
	wantErr := errors.New("always fails")
	err := RetryOperation(RetryConfig{MaxAttempts: 3}, func() error {
		attempts++
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected wantErr, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestHistoryRecordsInOrder(t *testing.T) {
	l := NewLedger()
	e1 := New(CodeInvalidArgument, "f", 1, "first")
	e2 := New(CodeNotImplemented, "f", 2, "second")
	l.Record(e1)
	l.Record(e2)

	hist := l.History()
	if len(hist) != 2 || hist[0] != e1 || hist[1] != e2 {
		t.Fatalf("unexpected history: %+v", hist)
	}
}
