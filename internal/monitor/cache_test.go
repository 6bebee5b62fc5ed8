package monitor

import "testing"

func TestLiveCacheNumericAndTextExclusive(t *testing.T) {
	c := NewLiveCache()
	c.SetSensorText("dev", "Door", "OPEN")
	c.SetSensor("dev", "Door", 1)
	snap := c.Snapshot("dev")
	if _, ok := snap.SensorText["Door"]; ok {
		t.Fatalf("text value survived numeric write")
	}
	if snap.Sensors["Door"] != 1 {
		t.Fatalf("sensor = %v", snap.Sensors["Door"])
	}

	c.SetSensorText("dev", "Door", "CLOSED")
	if _, ok := c.Sensor("dev", "Door"); ok {
		t.Fatalf("numeric value survived text write")
	}
}

func TestLiveCacheSnapshotIsCopy(t *testing.T) {
	c := NewLiveCache()
	c.SetActuator("dev", "Fan1", "ON")
	c.SetInference("dev", "Health", InferenceResult{Labels: []string{"healthy"}})

	snap := c.Snapshot("dev")
	snap.Actuators["Fan1"] = "OFF"
	snap.Inference["Health"].Labels[0] = "changed"

	if v, _ := c.Actuator("dev", "Fan1"); v != "ON" {
		t.Fatalf("actuator = %q", v)
	}
	if got := c.Snapshot("dev").Inference["Health"].Labels[0]; got != "healthy" {
		t.Fatalf("inference labels = %q", got)
	}
	if snap.UpdatedAt.IsZero() {
		t.Fatalf("expected updated_at")
	}
}

func TestLiveCacheUnknownDevice(t *testing.T) {
	c := NewLiveCache()
	snap := c.Snapshot("missing")
	if snap.Sensors == nil || len(snap.Sensors) != 0 || !snap.UpdatedAt.IsZero() {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	c.SetSensor("dev", "Temp", 20)
	c.Forget("dev")
	if _, ok := c.Sensor("dev", "Temp"); ok {
		t.Fatalf("forgotten device still cached")
	}
}

func TestAlertBoard(t *testing.T) {
	b := NewAlertBoard()
	if _, ok := b.Observe("dev", []string{"healthy", "leaf"}); ok {
		t.Fatalf("healthy labels raised an alert")
	}
	if _, ok := b.Pending("dev"); ok {
		t.Fatalf("unexpected pending alert")
	}

	alert, ok := b.Observe("dev", []string{"healthy", "unhealthy_basil", "unhealthy_mint"})
	if !ok || alert.Species != "basil" {
		t.Fatalf("alert = %+v ok=%v", alert, ok)
	}
	if _, ok := b.Observe("dev", []string{"unhealthy_"}); ok {
		t.Fatalf("bare prefix raised an alert")
	}
	b.Observe("dev", []string{"Unhealthy_lettuce"})
	pending, ok := b.Pending("dev")
	if !ok || pending.Species != "lettuce" {
		t.Fatalf("pending = %+v ok=%v", pending, ok)
	}

	if !b.Dismiss("dev") {
		t.Fatalf("dismiss reported nothing pending")
	}
	if b.Dismiss("dev") {
		t.Fatalf("second dismiss reported a pending alert")
	}
}
