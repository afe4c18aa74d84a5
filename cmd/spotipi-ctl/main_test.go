package main

import (
	"encoding/json"
	"testing"
)

// TestParseCommand tests command-line to envelope mapping.
func TestParseCommand(t *testing.T) {
	tests := []struct {
		args     []string
		wantType string
		wantData string
	}{
		{[]string{"pp"}, "play_pause", ""},
		{[]string{"skip"}, "next", ""},
		{[]string{"back"}, "previous", ""},
		{[]string{"volume", "35"}, "set_volume", `{"percent":35}`},
		{[]string{"random", "pl1"}, "play_random", `{"playlist_id":"pl1"}`},
		{[]string{"pot", "200"}, "volume_sample", `{"sample":200}`},
		{[]string{"nav", "library"}, "navigate", `{"screen":"library"}`},
		{[]string{"play", "spotify:track:1"}, "play", `{"uris":["spotify:track:1"]}`},
	}
	for _, tt := range tests {
		envs, err := parseCommand(tt.args)
		if err != nil {
			t.Errorf("%v: unexpected error %v", tt.args, err)
			continue
		}
		if len(envs) != 1 || envs[0].Type != tt.wantType {
			t.Errorf("%v: expected one %s envelope, got %+v", tt.args, tt.wantType, envs)
			continue
		}
		if tt.wantData == "" {
			if envs[0].Data != nil {
				t.Errorf("%v: expected no data, got %v", tt.args, envs[0].Data)
			}
			continue
		}
		b, _ := json.Marshal(envs[0].Data)
		if string(b) != tt.wantData {
			t.Errorf("%v: expected data %s, got %s", tt.args, tt.wantData, b)
		}
	}
}

// TestParseCommand_Press tests that a press is two edges on one channel.
func TestParseCommand_Press(t *testing.T) {
	envs, err := parseCommand([]string{"press", "skip"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(envs))
	}
	down := envs[0].Data.(map[string]any)
	up := envs[1].Data.(map[string]any)
	if down["channel"] != 27 || up["channel"] != 27 {
		t.Errorf("expected channel 27, got %v/%v", down["channel"], up["channel"])
	}
	if down["level"] != 0 || up["level"] != 1 {
		t.Errorf("expected levels 0 then 1, got %v/%v", down["level"], up["level"])
	}
}

// TestParseCommand_Errors tests rejected command lines.
func TestParseCommand_Errors(t *testing.T) {
	bad := [][]string{
		{"volume"},
		{"volume", "101"},
		{"pot", "256"},
		{"press"},
		{"press", "eject"},
		{"login", "only-id"},
		{"dance"},
	}
	for _, args := range bad {
		if _, err := parseCommand(args); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}
