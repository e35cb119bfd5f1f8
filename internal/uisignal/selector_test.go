package uisignal

import "testing"

// tree builds a small normalized snapshot used across the tests:
//
//	main > nav.sidebar > a.board-link[data-target=board]
//	main > div.board > div.task-card.done > button.complete-toggle
func tree() *Element {
	root := &Element{
		Tag: "main",
		Children: []*Element{
			{
				Tag:     "nav",
				Classes: []string{"sidebar"},
				Children: []*Element{
					{Tag: "a", Classes: []string{"board-link"}, Attrs: map[string]string{"data-target": "board"}},
				},
			},
			{
				Tag:     "div",
				ID:      "board",
				Classes: []string{"board"},
				Children: []*Element{
					{
						Tag:     "div",
						Classes: []string{"task-card", "done"},
						Children: []*Element{
							{Tag: "button", Classes: []string{"complete-toggle"}},
						},
					},
				},
			},
		},
	}
	root.Normalize()
	return root
}

func findByTag(root *Element, tag string) *Element {
	var found *Element
	root.Walk(func(e *Element) bool {
		if e.Tag == tag {
			found = e
			return false
		}
		return true
	})
	return found
}

func TestParse_errors(t *testing.T) {
	cases := []string{
		"",
		"   ",
		"#",
		".",
		"div[",
		"div[]",
		"div[=x]",
		"a>b",
		"##double",
	}
	for _, expr := range cases {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", expr)
		}
	}
}

func TestSelector_Matches(t *testing.T) {
	root := tree()
	button := findByTag(root, "button")
	link := findByTag(root, "a")

	cases := []struct {
		expr   string
		target *Element
		want   bool
	}{
		{"button", button, true},
		{"button.complete-toggle", button, true},
		{"div", button, false},
		{".task-card button", button, true},
		{".task-card.done button", button, true},
		{"#board button", button, true},
		{"main .board .complete-toggle", button, true},
		{"nav button", button, false},
		{"a[data-target]", link, true},
		{"a[data-target=board]", link, true},
		{`a[data-target="board"]`, link, true},
		{"a[data-target=other]", link, false},
		{"nav.sidebar a.board-link", link, true},
		{".board a", link, false},
	}
	for _, tc := range cases {
		sel, err := Parse(tc.expr)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", tc.expr, err)
		}
		if got := sel.Matches(tc.target); got != tc.want {
			t.Errorf("Matches(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestSelector_Closest(t *testing.T) {
	root := tree()
	button := findByTag(root, "button")

	sel, err := Parse(".task-card")
	if err != nil {
		t.Fatal(err)
	}
	got := sel.Closest(button)
	if got == nil {
		t.Fatal("Closest returned nil")
	}
	if !got.HasClass("task-card") {
		t.Errorf("Closest returned %q element", got.Tag)
	}

	sel, _ = Parse("button")
	if sel.Closest(button) != button {
		t.Error("Closest should match the element itself first")
	}

	sel, _ = Parse("nav")
	if sel.Closest(button) != nil {
		t.Error("Closest matched outside the ancestor chain")
	}
}

func TestElement_Normalize_linksParents(t *testing.T) {
	root := tree()
	button := findByTag(root, "button")

	depth := 0
	for e := button; e != nil; e = e.Parent {
		depth++
	}
	if depth != 4 {
		t.Errorf("ancestor chain length = %d, want 4", depth)
	}
	if button.Parent == nil || !button.Parent.HasClass("task-card") {
		t.Error("button parent is not the task card")
	}
}
