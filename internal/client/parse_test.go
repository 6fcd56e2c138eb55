package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCount(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
		ok    bool
	}{
		{"server update", `{"activeUsers":3,"ts":1700000000000}`, 3, true},
		{"bare integer", "42", 42, true},
		{"bare integer with whitespace", "  7\n", 7, true},
		{"active key", `{"active":5}`, 5, true},
		{"viewers key", `{"viewers":9}`, 9, true},
		{"count key", `{"count":1}`, 1, true},
		{"users key", `{"users":2}`, 2, true},
		{"integer string", `{"activeUsers":"11"}`, 11, true},
		{"key priority", `{"users":2,"active":8}`, 8, true},
		{"skips unusable key", `{"active":"many","count":4}`, 4, true},
		{"zero", `{"activeUsers":0}`, 0, true},
		{"float rejected", `{"activeUsers":1.5}`, 0, false},
		{"negative rejected", `{"activeUsers":-1}`, 0, false},
		{"negative bare rejected", "-3", 0, false},
		{"unknown keys", `{"ts":1}`, 0, false},
		{"not json", "hello", 0, false},
		{"array", `[1,2]`, 0, false},
		{"empty", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseCount([]byte(tt.input))
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
