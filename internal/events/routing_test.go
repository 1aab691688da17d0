package events

import "testing"

func TestMatchRoutingKey(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"order.created", "order.created", true},
		{"order.created", "order.updated", false},
		{"order.*", "order.created", true},
		{"order.*", "order", false},
		{"order.*", "order.created.v2", false},
		{"*.created", "order.created", true},
		{"#", "order.created", true},
		{"#", "", true},
		{"order.#", "order", true},
		{"order.#", "order.created.v2", true},
		{"#.failed", "inventory.failed", true},
		{"#.failed", "failed", true},
		{"inventory.#.failed", "inventory.failed", true},
		{"inventory.#.failed", "inventory.a.b.failed", true},
		{"inventory.#.failed", "inventory.reserved", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.key, func(t *testing.T) {
			if got := MatchRoutingKey(tt.pattern, tt.key); got != tt.want {
				t.Errorf("MatchRoutingKey(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
			}
		})
	}
}
