package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAcknowledgment(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		pairs     []AckPair
		malformed []string
	}{
		{
			name:  "signature suppressed",
			body:  "Lubricate on CNC Machine completed\n-- \nSent from my phone",
			pairs: []AckPair{{Task: "Lubricate", Machine: "CNC Machine"}},
		},
		{
			name:      "malformed line kept",
			body:      "banana\nLubricate on CNC Machine completed",
			pairs:     []AckPair{{Task: "Lubricate", Machine: "CNC Machine"}},
			malformed: []string{"banana"},
		},
		{
			name: "case and whitespace tolerant",
			body: "  drain water ON compressor Completed.  \r\n\n\toil change on motor COMPLETED\n",
			pairs: []AckPair{
				{Task: "drain water", Machine: "compressor"},
				{Task: "oil change", Machine: "motor"},
			},
		},
		{
			name: "first on splits task from machine",
			body: "Turn on Pump on Motor completed",
			pairs: []AckPair{
				{Task: "Turn", Machine: "Pump on Motor"},
			},
		},
		{
			name:      "missing machine",
			body:      "Lubricate on completed",
			malformed: []string{"Lubricate on completed"},
		},
		{
			name:      "missing completed",
			body:      "Lubricate on CNC Machine",
			malformed: []string{"Lubricate on CNC Machine"},
		},
		{
			name: "quoted thread skipped",
			body: "Oil Change on Motor completed\n> Automated Maintenance Report\n> Motor runtime: 40 hours",
			pairs: []AckPair{
				{Task: "Oil Change", Machine: "Motor"},
			},
		},
		{
			name:      "stops at underscore rule",
			body:      "thanks\n___\nLubricate on CNC Machine completed",
			malformed: []string{"thanks"},
		},
		{
			name:  "stops at thank you",
			body:  "Thank you\nLubricate on CNC Machine completed",
			pairs: nil,
		},
		{
			name: "empty body",
			body: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ParseAcknowledgment(tt.body)
			assert.Equal(t, tt.pairs, res.Pairs)
			assert.Equal(t, tt.malformed, res.Malformed)
		})
	}
}

func TestParseResultEmpty(t *testing.T) {
	assert.True(t, ParseAcknowledgment("\n\n-- \nsig").Empty())
	assert.False(t, ParseAcknowledgment("hello").Empty())
}
