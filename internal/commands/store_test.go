package commands

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func boolPtr(b bool) *bool { return &b }

func TestStore_Get_NeverSeenDeviceIsAllOff(t *testing.T) {
	s := NewStore(NewPolicy(time.Minute))

	if got := s.Get("never-seen-device"); got != (Vector{}) {
		t.Fatalf("expected all-false vector, got %+v", got)
	}
	st := s.State("never-seen-device")
	if st.Origin != OriginDevice {
		t.Fatalf("expected origin %q, got %q", OriginDevice, st.Origin)
	}
	if st.LastDeviceReport != nil {
		t.Fatalf("expected no device report yet, got %+v", st.LastDeviceReport)
	}
}

func TestStore_SetFromOperator_PreservesUnspecifiedFlags(t *testing.T) {
	s := NewStore(NewPolicy(time.Minute))

	s.SetFromOperator("d", Patch{Pump: boolPtr(true)})
	got := s.SetFromOperator("d", Patch{Fan: boolPtr(true)})

	want := Vector{Fan: true, Pump: true}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if s.Get("d") != want {
		t.Fatalf("expected stored %+v, got %+v", want, s.Get("d"))
	}
	if s.State("d").Origin != OriginOperator {
		t.Fatalf("expected operator origin")
	}
}

func TestStore_GraceWindowPrecedence(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(NewPolicy(30*time.Second), WithClock(clock.Now))

	s.SetFromOperator("d", Patch{Fan: boolPtr(true)})

	clock.Advance(10 * time.Second)
	got, applied := s.SetFromDevice("d", Vector{Fan: false, Pump: true})
	if applied {
		t.Fatalf("expected device report inside grace window to be suppressed")
	}
	if !got.Fan || got.Pump {
		t.Fatalf("expected operator vector to stay authoritative, got %+v", got)
	}

	st := s.State("d")
	if st.LastDeviceReport == nil || *st.LastDeviceReport != (Vector{Pump: true}) {
		t.Fatalf("expected shadow device report to be recorded, got %+v", st.LastDeviceReport)
	}
	if !st.OverrideActive {
		t.Fatalf("expected override to be active")
	}

	clock.Advance(20 * time.Second) // exactly W since the operator write
	got, applied = s.SetFromDevice("d", Vector{Fan: false, Pump: true})
	if !applied {
		t.Fatalf("expected device report at W to become authoritative")
	}
	if got.Fan || !got.Pump {
		t.Fatalf("expected device vector, got %+v", got)
	}
	st = s.State("d")
	if st.Origin != OriginDevice {
		t.Fatalf("expected origin to flip to %q, got %q", OriginDevice, st.Origin)
	}
	if st.OverrideActive {
		t.Fatalf("expected override to be inactive")
	}
}

func TestStore_SetFromDevice_WithoutOperatorAppliesImmediately(t *testing.T) {
	s := NewStore(NewPolicy(time.Hour))

	got, applied := s.SetFromDevice("d", Vector{Tap: true})
	if !applied || !got.Tap {
		t.Fatalf("expected device report to apply, got %+v applied=%v", got, applied)
	}
}

func TestStore_OperatorWriteRestartsGraceWindow(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(NewPolicy(30*time.Second), WithClock(clock.Now))

	s.SetFromOperator("d", Patch{Bulb: boolPtr(true)})
	clock.Advance(25 * time.Second)
	s.SetFromOperator("d", Patch{Fan: boolPtr(true)})
	clock.Advance(25 * time.Second)

	if _, applied := s.SetFromDevice("d", Vector{}); applied {
		t.Fatalf("expected second operator write to restart the window")
	}
	if got := s.Get("d"); got != (Vector{Fan: true, Bulb: true}) {
		t.Fatalf("unexpected vector %+v", got)
	}
}

func TestStore_ChangeHook(t *testing.T) {
	clock := newFakeClock()
	var changes []Change
	s := NewStore(NewPolicy(time.Minute), WithClock(clock.Now), WithChangeHook(func(c Change) {
		changes = append(changes, c)
	}))

	s.SetFromOperator("d", Patch{Fan: boolPtr(true)})
	s.SetFromDevice("d", Vector{})

	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[0].Source != OriginOperator || !changes[0].Applied {
		t.Fatalf("unexpected operator change %+v", changes[0])
	}
	if changes[1].Source != OriginDevice || changes[1].Applied || !changes[1].Vector.Fan {
		t.Fatalf("unexpected device change %+v", changes[1])
	}
}

func TestStore_ChangeHookSeesWritesInApplyOrder(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	var last Change
	calls := 0
	s := NewStore(NewPolicy(time.Minute), WithChangeHook(func(c Change) {
		mu.Lock()
		calls++
		block := calls == 1
		mu.Unlock()
		if block {
			close(entered)
			<-release
		}
		mu.Lock()
		last = c
		mu.Unlock()
	}))

	on, off := true, false
	firstDone := make(chan struct{})
	go func() {
		s.SetFromOperator("d1", Patch{Fan: &on})
		close(firstDone)
	}()
	<-entered

	secondDone := make(chan struct{})
	go func() {
		s.SetFromOperator("d1", Patch{Fan: &off})
		close(secondDone)
	}()

	select {
	case <-secondDone:
		t.Fatalf("second write completed while the first change was still being delivered")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-firstDone
	<-secondDone

	mu.Lock()
	got := last
	mu.Unlock()
	if want := s.Get("d1"); got.Vector != want {
		t.Fatalf("last change %+v disagrees with store %+v", got.Vector, want)
	}
	if got.Vector.Fan {
		t.Fatalf("expected the later write (fan=false) to be delivered last")
	}
}

func TestStore_IsolationAcrossDevices(t *testing.T) {
	s := NewStore(NewPolicy(time.Minute))

	const rounds = 500
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			s.SetFromOperator("a", Patch{Fan: boolPtr(true), Bulb: boolPtr(i%2 == 0)})
			_ = s.Get("b")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			s.SetFromDevice("b", Vector{Pump: true, Tap: i%2 == 0})
			_ = s.Get("a")
		}
	}()
	wg.Wait()

	a := s.Get("a")
	if !a.Fan || a.Pump || a.Tap {
		t.Fatalf("device a picked up foreign writes: %+v", a)
	}
	b := s.Get("b")
	if b.Fan || b.Bulb || !b.Pump {
		t.Fatalf("device b picked up foreign writes: %+v", b)
	}
	if s.State("a").Origin != OriginOperator || s.State("b").Origin != OriginDevice {
		t.Fatalf("unexpected origins a=%q b=%q", s.State("a").Origin, s.State("b").Origin)
	}
}

func TestStore_ConcurrentWritesNeverTearVector(t *testing.T) {
	s := NewStore(NewPolicy(time.Nanosecond))

	all := Vector{Fan: true, Bulb: true, Pump: true, Tap: true}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if (w+i)%2 == 0 {
					s.SetFromDevice("d", all)
				} else {
					s.SetFromDevice("d", Vector{})
				}
			}
		}(w)
	}

	done := make(chan struct{})
	var torn []Vector
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			v := s.Get("d")
			if v != all && v != (Vector{}) {
				torn = append(torn, v)
			}
		}
	}()

	wg.Wait()
	<-done
	if len(torn) > 0 {
		t.Fatalf("observed %d half-written vectors, first: %+v", len(torn), torn[0])
	}
}

func TestStore_TrimsDeviceID(t *testing.T) {
	s := NewStore(NewPolicy(time.Minute))
	s.SetFromOperator("  d1 ", Patch{Tap: boolPtr(true)})
	if !s.Get("d1").Tap {
		t.Fatalf("expected surrounding whitespace to be ignored")
	}
}

func TestParsePatch(t *testing.T) {
	cases := []struct {
		name    string
		in      map[string]any
		want    Patch
		unknown string
		wantErr bool
	}{
		{name: "single", in: map[string]any{"fan": true}, want: Patch{Fan: boolPtr(true)}},
		{name: "all", in: map[string]any{"fan": false, "bulb": true, "pump": true, "tap": false},
			want: Patch{Fan: boolPtr(false), Bulb: boolPtr(true), Pump: boolPtr(true), Tap: boolPtr(false)}},
		{name: "unknown", in: map[string]any{"heater": true}, unknown: "heater", wantErr: true},
		{name: "unknown among known", in: map[string]any{"fan": true, "servo": true}, unknown: "servo", wantErr: true},
		{name: "non boolean", in: map[string]any{"fan": float64(1)}, wantErr: true},
		{name: "empty", in: map[string]any{}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePatch(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
				var uf *UnknownFlagError
				if tc.unknown != "" && (!errors.As(err, &uf) || uf.Flag != tc.unknown) {
					t.Fatalf("expected UnknownFlagError for %q, got %v", tc.unknown, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Apply(Vector{}) != tc.want.Apply(Vector{}) {
				t.Fatalf("expected %+v, got %+v", tc.want.Apply(Vector{}), got.Apply(Vector{}))
			}
		})
	}
}
