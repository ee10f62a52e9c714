package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		phone   string
		country string
		want    string
	}{
		{"local number gets country code", "11987654321", "55", "5511987654321"},
		{"already prefixed untouched", "5511987654321", "55", "5511987654321"},
		{"jid suffix stripped", "5511987654321@c.us", "55", "5511987654321"},
		{"protocol jid suffix stripped", "5511987654321@s.whatsapp.net", "55", "5511987654321"},
		{"plus sign dropped", "+5511987654321", "55", "5511987654321"},
		{"formatting stripped", "(11) 98765-4321", "55", "5511987654321"},
		{"short local number", "87654321", "55", "5587654321"},
		{"long foreign number untouched", "4915123456789012", "55", "4915123456789012"},
		{"empty country code", "11987654321", "", "11987654321"},
		{"empty input", "", "55", "55"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePhone(tt.phone, tt.country))
		})
	}
}
