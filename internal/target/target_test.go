package target

import "testing"

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	t1 := &Target{Name: "core0"}

	r.Add("probe0", t1)
	got, ok := r.Get("probe0")
	if !ok || got != t1 {
		t.Fatalf("Get(%q) = %v, %v; want %v, true", "probe0", got, ok, t1)
	}

	if _, ok := r.Get("missing"); ok {
		t.Errorf("Get(%q) found an entry that was never added", "missing")
	}

	r.Remove("probe0")
	if _, ok := r.Get("probe0"); ok {
		t.Errorf("Get(%q) still found an entry after Remove", "probe0")
	}
}

func TestRegistryAddReplacesExisting(t *testing.T) {
	r := NewRegistry()
	r.Add("probe0", &Target{Name: "first"})
	r.Add("probe0", &Target{Name: "second"})

	got, ok := r.Get("probe0")
	if !ok || got.Name != "second" {
		t.Fatalf("Get(%q) = %+v, want Name=second", "probe0", got)
	}
}
