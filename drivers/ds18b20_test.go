package drivers

import (
	"context"
	"testing"
	"time"
)

// stubSleep replaces the package sleep hook for the duration of a test so
// retry backoffs and conversion polls don't slow the suite down.
func stubSleep(t *testing.T, fn func(time.Duration)) {
	t.Helper()
	old := sleep
	sleep = fn
	t.Cleanup(func() { sleep = old })
}

func noSleep(time.Duration) {}

func stubNow(t *testing.T, fn func() time.Time) {
	t.Helper()
	old := now
	now = fn
	t.Cleanup(func() { now = old })
}

func TestScratchpadTemperature(t *testing.T) {
	cases := []struct {
		raw  int16
		want float64
	}{
		{0x0191, 25.0625},
		{0x0550, 85.0},
		{-162, -10.125},
		{0, 0},
	}

	for _, tc := range cases {
		var spad [9]byte
		spad[0] = byte(tc.raw)
		spad[1] = byte(tc.raw >> 8)

		if got := scratchpadTemperature(spad); got != tc.want {
			t.Errorf("raw %#04x: got %v want %v", uint16(tc.raw), got, tc.want)
		}
	}
}

func TestDS18B20Init(t *testing.T) {
	stubSleep(t, noSleep)

	t.Run("two devices", func(t *testing.T) {
		bus := &MockOneWire{}
		bus.AddDevice(NewMockDS18B20(searchTestRoms[0], 0x0191))
		bus.AddDevice(NewMockDS18B20(searchTestRoms[1], 0x0191))

		d := NewDS18B20(bus, 2)
		if err := d.Init(); err != nil {
			t.Fatalf("init failed: %v", err)
		}
		assertRomSet(t, d.Roms(), searchTestRoms[:2])
	})

	t.Run("no presence pulse", func(t *testing.T) {
		bus := &MockOneWire{FailPresence: true}

		d := NewDS18B20(bus, 0)
		if err := d.Init(); err == nil {
			t.Fatal("expected error on dead bus")
		}
	})

	t.Run("no devices of family", func(t *testing.T) {
		bus := &MockOneWire{}
		bus.AddDevice(&MockDevice{Rom: Rom{0x10, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0xB3}})

		d := NewDS18B20(bus, 0)
		if err := d.Init(); err == nil {
			t.Fatal("expected error when no ds18b20 present")
		}
	})
}

func TestDS18B20ReadCycle(t *testing.T) {
	stubSleep(t, noSleep)

	bus := &MockOneWire{ConversionPolls: 2}
	bus.AddDevice(NewMockDS18B20(searchTestRoms[0], 0x0191))

	d := NewDS18B20(bus, 1)
	if err := d.Init(); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	if err := d.StartReadCycle(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := d.WaitCycle(context.Background()); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	readings := d.Readings()
	if len(readings) != 1 {
		t.Fatalf("got %d readings, want 1", len(readings))
	}
	m := readings[0]
	if m.Value != 25.0625 {
		t.Errorf("value: got %v want 25.0625", m.Value)
	}
	if m.Quantity != "temperature" {
		t.Errorf("quantity: got %q want %q", m.Quantity, "temperature")
	}
	if m.Device != searchTestRoms[0].String() {
		t.Errorf("device: got %q want %q", m.Device, searchTestRoms[0].String())
	}
	if m.Taken.IsZero() {
		t.Error("taken timestamp not set")
	}

	states := d.States()
	if len(states) != 1 || states[0] != StateComplete {
		t.Errorf("states: got %v want [%v]", states, StateComplete)
	}
	if bus.ConvertCount != 1 {
		t.Errorf("convert commands: got %d want 1", bus.ConvertCount)
	}
}

func TestDS18B20RetryBound(t *testing.T) {
	stubSleep(t, noSleep)

	dev := NewMockDS18B20(searchTestRoms[0], 0x0191)
	dev.CorruptCRC = true

	bus := &MockOneWire{}
	bus.AddDevice(dev)

	d := NewDS18B20(bus, 1)
	if err := d.Init(); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	if err := d.StartReadCycle(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := d.WaitCycle(context.Background()); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	if got := len(d.Readings()); got != 0 {
		t.Errorf("got %d readings from corrupt device, want 0", got)
	}
	if bus.ReadCount != ds18b20ReadRetries {
		t.Errorf("scratchpad reads: got %d want exactly %d", bus.ReadCount, ds18b20ReadRetries)
	}
	states := d.States()
	if len(states) != 1 || states[0] != StateError {
		t.Errorf("states: got %v want [%v]", states, StateError)
	}
}

func TestDS18B20PowerUpValueRejected(t *testing.T) {
	stubSleep(t, noSleep)

	// 0x0550 decodes to exactly 85.0 °C, the register's power-up content.
	bus := &MockOneWire{}
	bus.AddDevice(NewMockDS18B20(searchTestRoms[0], 0x0550))

	d := NewDS18B20(bus, 1)
	if err := d.Init(); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	if err := d.StartReadCycle(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := d.WaitCycle(context.Background()); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	if got := len(d.Readings()); got != 0 {
		t.Errorf("got %d readings, want 0", got)
	}
}

func TestDS18B20PartialFailure(t *testing.T) {
	stubSleep(t, noSleep)

	good := NewMockDS18B20(searchTestRoms[0], -162)
	bad := NewMockDS18B20(searchTestRoms[1], 0x0191)
	bad.CorruptCRC = true

	bus := &MockOneWire{}
	bus.AddDevice(good)
	bus.AddDevice(bad)

	d := NewDS18B20(bus, 2)
	if err := d.Init(); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	if err := d.StartReadCycle(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := d.WaitCycle(context.Background()); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	readings := d.Readings()
	if len(readings) != 1 {
		t.Fatalf("got %d readings, want 1", len(readings))
	}
	if readings[0].Device != searchTestRoms[0].String() {
		t.Errorf("reading from %q, want %q", readings[0].Device, searchTestRoms[0].String())
	}
	if readings[0].Value != -10.125 {
		t.Errorf("value: got %v want -10.125", readings[0].Value)
	}
}

func TestDS18B20CycleMarker(t *testing.T) {
	gate := make(chan struct{})
	stubSleep(t, func(d time.Duration) {
		if d == ds18b20ConversionPoll {
			<-gate
		}
	})

	bus := &MockOneWire{ConversionPolls: 1}
	bus.AddDevice(NewMockDS18B20(searchTestRoms[0], 0x0191))

	d := NewDS18B20(bus, 1)
	if err := d.Init(); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	if err := d.StartReadCycle(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !d.ReadInProgress() {
		t.Error("cycle started but not reported in progress")
	}
	if err := d.StartReadCycle(); err == nil {
		t.Error("second start during running cycle should fail")
	}

	close(gate)
	if err := d.WaitCycle(context.Background()); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	if d.ReadInProgress() {
		t.Error("cycle finished but still reported in progress")
	}
	if err := d.StartReadCycle(); err != nil {
		t.Errorf("start after completed cycle failed: %v", err)
	}
	if err := d.WaitCycle(context.Background()); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
}

func TestDS18B20ConversionTimeout(t *testing.T) {
	// Simulated clock: sleeps advance it, so the poll deadline expires
	// without waiting out real conversions.
	clock := time.Now()
	stubNow(t, func() time.Time { return clock })
	stubSleep(t, func(d time.Duration) { clock = clock.Add(d) })

	// The device never releases the line.
	bus := &MockOneWire{ConversionPolls: 1 << 30}
	bus.AddDevice(NewMockDS18B20(searchTestRoms[0], 0x0191))

	d := NewDS18B20(bus, 1)
	if err := d.Init(); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	if err := d.StartReadCycle(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := d.WaitCycle(context.Background()); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	if got := len(d.Readings()); got != 0 {
		t.Errorf("got %d readings from a timed out cycle, want 0", got)
	}
	if bus.ReadCount != 0 {
		t.Errorf("scratchpad read %d times despite no finished conversion", bus.ReadCount)
	}
	states := d.States()
	if len(states) != 1 || states[0] != StateError {
		t.Errorf("states: got %v want [%v]", states, StateError)
	}
	if d.ReadInProgress() {
		t.Error("timed out cycle left the in-progress marker set")
	}

	// A healthy bus afterwards must yield a normal cycle.
	bus.ConversionPolls = 0
	if err := d.StartReadCycle(); err != nil {
		t.Fatalf("start after timeout failed: %v", err)
	}
	if err := d.WaitCycle(context.Background()); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	readings := d.Readings()
	if len(readings) != 1 || readings[0].Value != 25.0625 {
		t.Errorf("recovery cycle: got %+v, want one 25.0625 reading", readings)
	}
}

func TestDS18B20StartBeforeInit(t *testing.T) {
	d := NewDS18B20(&MockOneWire{}, 0)
	if err := d.StartReadCycle(); err == nil {
		t.Fatal("start before init should fail")
	}
}

func TestDS18B20WaitWithoutCycle(t *testing.T) {
	d := NewDS18B20(&MockOneWire{}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := d.WaitCycle(ctx); err != nil {
		t.Fatalf("wait with no cycle should return immediately, got %v", err)
	}
}
