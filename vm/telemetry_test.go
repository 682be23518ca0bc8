package vm

import (
	"path/filepath"
	"testing"
)

func TestSnapshotCBORRoundTrip(t *testing.T) {
	w := newWorld(t)

	a := NewAssembler()
	a.PushConstant(3)
	a.PushConstant(4)
	a.SendBinary(BinaryAdd)
	a.StackReturn()
	m := w.newMethod(w.UndefinedClass, "go", a.Bytes(), nil)
	w.run(m, 100)

	s := w.vm.Snapshot()
	if s.VMID != w.vm.ID.String() {
		t.Errorf("snapshot vm id = %q", s.VMID)
	}
	if s.Ticks == 0 {
		t.Error("snapshot did not capture executed ticks")
	}

	data, err := MarshalSnapshot(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalSnapshot(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.VMID != s.VMID || got.Ticks != s.Ticks {
		t.Errorf("round trip mismatch: %+v != %+v", got, s)
	}
	if got.Memory.Allocations != s.Memory.Allocations {
		t.Errorf("memory stats mismatch: %d != %d",
			got.Memory.Allocations, s.Memory.Allocations)
	}

	// Canonical mode: equal snapshots encode to equal bytes.
	again, err := MarshalSnapshot(s)
	if err != nil {
		t.Fatalf("marshal again: %v", err)
	}
	if string(again) != string(data) {
		t.Error("canonical encoding is not deterministic")
	}
}

func TestRecorderPersistsSnapshots(t *testing.T) {
	w := newWorld(t)
	path := filepath.Join(t.TempDir(), "telemetry.db")

	r, err := OpenRecorder(path)
	if err != nil {
		t.Fatalf("OpenRecorder: %v", err)
	}
	defer r.Close()

	for i := 0; i < 3; i++ {
		if err := r.Record(w.vm.Snapshot()); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	n, err := r.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Errorf("recorded rows = %d, want 3", n)
	}
}
