package signal

import (
	"sync"
	"testing"

	"github.com/FocuswithJustin/PageHealer/core/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		message   string
		code      string
		want      Target
		wantErr   error
		wantParse bool
	}{
		{
			name:    "page failure",
			message: "invalid page in block 0 of relation base/174700/357157",
			code:    "XX001",
			want:    Target{Path: "base/174700/357157", Block: 0},
		},
		{
			name:    "large block",
			message: "invalid page in block 4294967295 of relation global/1262",
			code:    "XX001",
			want:    Target{Path: "global/1262", Block: 4294967295},
		},
		{
			name:    "extra whitespace",
			message: "invalid page in  block\t12  of relation   base/1/2.3 ",
			code:    "XX001",
			want:    Target{Path: "base/1/2.3", Block: 12},
		},
		{
			name:    "wrong code",
			message: "invalid page in block 0 of relation base/1/2",
			code:    "XX000",
			wantErr: errors.ErrSignalMismatch,
		},
		{
			name:    "wrong message",
			message: "could not read block 0 of relation base/1/2",
			code:    "XX001",
			wantErr: errors.ErrSignalMismatch,
		},
		{
			name:      "missing block",
			message:   "invalid page in relation base/1/2",
			code:      "XX001",
			wantParse: true,
		},
		{
			name:      "non-numeric block",
			message:   "invalid page in block seven of relation base/1/2",
			code:      "XX001",
			wantParse: true,
		},
		{
			name:      "block overflows",
			message:   "invalid page in block 4294967296 of relation base/1/2",
			code:      "XX001",
			wantParse: true,
		},
		{
			name:      "missing relation",
			message:   "invalid page in block 3",
			code:      "XX001",
			wantParse: true,
		},
		{
			name:      "relation marker last",
			message:   "invalid page in block 3 of relation",
			code:      "XX001",
			wantParse: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.message, tt.code)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse() error = %v, want %v", err, tt.wantErr)
				}
			case tt.wantParse:
				var pe *errors.ParseError
				if !errors.As(err, &pe) {
					t.Fatalf("Parse() error = %v, want *ParseError", err)
				}
				if !errors.Is(err, errors.ErrInvalidInput) {
					t.Errorf("ParseError does not unwrap to ErrInvalidInput")
				}
			default:
				if err != nil {
					t.Fatalf("Parse() error = %v", err)
				}
				if got != tt.want {
					t.Errorf("Parse() = %+v, want %+v", got, tt.want)
				}
			}
		})
	}
}

func TestEventTarget(t *testing.T) {
	ev := Event{Severity: SeverityError, Code: CodeDataCorrupted, Message: "invalid page in block 9 of relation base/5/6"}
	got, err := ev.Target()
	if err != nil {
		t.Fatalf("Target() error = %v", err)
	}
	if got.Block != 9 || got.Path != "base/5/6" {
		t.Errorf("Target() = %+v", got)
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
		ok   bool
	}{
		{"ERROR", SeverityError, true},
		{"warning", SeverityWarning, true},
		{"LOG", SeverityInfo, true},
		{"DEBUG2", SeverityDebug, true},
		{"PANIC", SeverityPanic, true},
		{"STATEMENT", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseSeverity(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseSeverity(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
	if Severity(42).String() != "UNKNOWN" {
		t.Errorf("Severity(42).String() = %s", Severity(42).String())
	}
}

func TestParseLogLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Event
		ok   bool
	}{
		{
			name: "verbose with prefix",
			line: "2024-05-01 10:00:00.123 UTC [4711] ERROR:  XX001: invalid page in block 7 of relation base/1/2\n",
			want: Event{Severity: SeverityError, Code: "XX001", Message: "invalid page in block 7 of relation base/1/2"},
			ok:   true,
		},
		{
			name: "bare",
			line: "ERROR:  XX001: invalid page in block 0 of relation global/1262",
			want: Event{Severity: SeverityError, Code: "XX001", Message: "invalid page in block 0 of relation global/1262"},
			ok:   true,
		},
		{
			name: "terse format has no code",
			line: "ERROR:  invalid page in block 0 of relation base/1/2",
			want: Event{Severity: SeverityError, Message: "invalid page in block 0 of relation base/1/2"},
			ok:   true,
		},
		{
			name: "log line",
			line: "LOG:  checkpoint starting: time",
			want: Event{Severity: SeverityInfo, Message: "checkpoint starting: time"},
			ok:   true,
		},
		{
			name: "no severity",
			line: "just some text",
			ok:   false,
		},
		{
			name: "unknown severity",
			line: "STATEMENT:  select 1",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLogLine(tt.line)
			if ok != tt.ok {
				t.Fatalf("ParseLogLine() ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("ParseLogLine() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBusOrdering(t *testing.T) {
	bus := NewBus()
	var order []string
	record := func(name string) Handler {
		return func(Event) { order = append(order, name) }
	}

	bus.Subscribe(record("first"))
	bus.Subscribe(record("second"))
	unsub := bus.Subscribe(record("third"))

	bus.Emit(Event{})
	want := []string{"third", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("handlers called = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("handlers called = %v, want %v", order, want)
		}
	}

	unsub()
	unsub()
	order = nil
	bus.Emit(Event{})
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("after unsubscribe handlers called = %v", order)
	}
	if bus.Len() != 2 {
		t.Errorf("Len() = %d, want 2", bus.Len())
	}
}

func TestBusUnsubscribeMiddle(t *testing.T) {
	bus := NewBus()
	var order []int
	bus.Subscribe(func(Event) { order = append(order, 1) })
	unsub := bus.Subscribe(func(Event) { order = append(order, 2) })
	bus.Subscribe(func(Event) { order = append(order, 3) })

	unsub()
	bus.Emit(Event{})
	if len(order) != 2 || order[0] != 3 || order[1] != 1 {
		t.Errorf("handlers called = %v, want [3 1]", order)
	}
}

func TestBusSubscribeFromHandler(t *testing.T) {
	bus := NewBus()
	calls := 0
	bus.Subscribe(func(Event) {
		calls++
		bus.Subscribe(func(Event) { calls += 10 })
	})

	bus.Emit(Event{})
	if calls != 1 {
		t.Errorf("calls = %d after first Emit, want 1", calls)
	}
}

func TestBusConcurrent(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	count := 0
	bus.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(func(Event) {})
			bus.Emit(Event{})
			unsub()
		}()
	}
	wg.Wait()

	if count != 20 {
		t.Errorf("count = %d, want 20", count)
	}
	if bus.Len() != 1 {
		t.Errorf("Len() = %d, want 1", bus.Len())
	}
}
