package uisignal

import "testing"

func TestHub_Listen_regionScoping(t *testing.T) {
	hub := NewHub()

	var sidebar, anywhere int
	hub.Listen("sidebar", "click", func(Event) { sidebar++ })
	hub.Listen(RegionAny, "click", func(Event) { anywhere++ })

	hub.Dispatch(Event{Region: "sidebar", Name: "click"})
	hub.Dispatch(Event{Region: "modal", Name: "click"})
	hub.Dispatch(Event{Region: "sidebar", Name: "submit"})

	if sidebar != 1 {
		t.Errorf("sidebar listener calls = %d, want 1", sidebar)
	}
	if anywhere != 2 {
		t.Errorf("wildcard listener calls = %d, want 2", anywhere)
	}
}

func TestHub_Listen_cancelIsIdempotent(t *testing.T) {
	hub := NewHub()

	calls := 0
	cancel := hub.Listen(RegionAny, "click", func(Event) { calls++ })
	hub.Dispatch(Event{Name: "click"})
	cancel()
	cancel()
	hub.Dispatch(Event{Name: "click"})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestHub_Dispatch_normalizesTarget(t *testing.T) {
	hub := NewHub()

	var got *Element
	hub.Listen(RegionAny, "click", func(ev Event) { got = ev.Target })

	hub.Dispatch(Event{Name: "click", Target: &Element{
		Tag:      "div",
		Children: []*Element{{Tag: "button"}},
	}})

	if got == nil || len(got.Children) == 0 {
		t.Fatal("target not delivered")
	}
	if got.Children[0].Parent != got {
		t.Error("dispatch did not link parents on the target tree")
	}
}

func TestHub_Signals(t *testing.T) {
	hub := NewHub()

	calls := 0
	cancel := hub.OnSignal("tutorial:done", func() { calls++ })
	hub.Emit("tutorial:done")
	hub.Emit("tutorial:other")
	cancel()
	hub.Emit("tutorial:done")

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestHub_Observe_firesOnRegionUpdate(t *testing.T) {
	hub := NewHub()

	var mainObs, anyObs int
	hub.Observe("main", func() { mainObs++ })
	hub.Observe(RegionAny, func() { anyObs++ })

	hub.UpdateRegion("main", &Element{Tag: "main"})
	hub.UpdateRegion("sidebar", &Element{Tag: "nav"})

	if mainObs != 1 {
		t.Errorf("main observer calls = %d, want 1", mainObs)
	}
	if anyObs != 2 {
		t.Errorf("wildcard observer calls = %d, want 2", anyObs)
	}
}

func TestHub_Query(t *testing.T) {
	hub := NewHub()
	hub.UpdateRegion("main", &Element{
		Tag: "main",
		Children: []*Element{
			{Tag: "div", Classes: []string{"task-card"}},
			{Tag: "div", Classes: []string{"task-card", "done"}},
		},
	})
	hub.UpdateRegion("sidebar", &Element{
		Tag: "nav",
		Children: []*Element{
			{Tag: "div", Classes: []string{"task-card"}},
		},
	})

	n, err := hub.Query("main", ".task-card")
	if err != nil {
		t.Fatalf("Query error: %v", err)
	}
	if n != 2 {
		t.Errorf("main count = %d, want 2", n)
	}

	n, _ = hub.Query(RegionAny, ".task-card")
	if n != 3 {
		t.Errorf("wildcard count = %d, want 3", n)
	}

	n, _ = hub.Query("unknown", ".task-card")
	if n != 0 {
		t.Errorf("unknown region count = %d, want 0", n)
	}

	if _, err := hub.Query("main", "["); err == nil {
		t.Error("malformed expression should return an error")
	}
}

func TestHub_UpdateRegion_nilClears(t *testing.T) {
	hub := NewHub()
	hub.UpdateRegion("main", &Element{Tag: "main", Children: []*Element{{Tag: "div", Classes: []string{"board"}}}})
	hub.UpdateRegion("main", nil)

	n, err := hub.Query("main", ".board")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("count = %d after clear, want 0", n)
	}
}

func TestHub_callbackMayReenter(t *testing.T) {
	hub := NewHub()

	var cancel func()
	fired := false
	cancel = hub.Listen(RegionAny, "click", func(Event) {
		fired = true
		cancel() // one-shot listener unregisters itself mid-dispatch
	})

	hub.Dispatch(Event{Name: "click"})
	hub.Dispatch(Event{Name: "click"})

	if !fired {
		t.Fatal("listener never fired")
	}
}
