package app

import (
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		args []string
		want Command
	}{
		{[]string{}, CommandServe},
		{nil, CommandServe},
		{[]string{"serve"}, CommandServe},
		{[]string{"migrate"}, CommandMigrate},
		{[]string{"migrate", "down", "2"}, CommandMigrate},
		{[]string{"healthcheck"}, CommandHealthcheck},
		{[]string{"unknown"}, CommandServe},
		{[]string{"worker"}, CommandServe},
	}

	for _, tt := range tests {
		if got := ParseCommand(tt.args); got != tt.want {
			t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestCommandString(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{CommandServe, "serve"},
		{CommandMigrate, "migrate"},
		{CommandHealthcheck, "healthcheck"},
	}

	for _, tt := range tests {
		if got := string(tt.cmd); got != tt.want {
			t.Errorf("string(%v) = %q, want %q", tt.cmd, got, tt.want)
		}
	}
}

func TestParseMigrateArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    MigrateArgs
		wantErr bool
	}{
		{"default is up", nil, MigrateArgs{Action: MigrateUp}, false},
		{"up", []string{"up"}, MigrateArgs{Action: MigrateUp}, false},
		{"version", []string{"version"}, MigrateArgs{Action: MigrateVersion}, false},
		{"down defaults to one step", []string{"down"}, MigrateArgs{Action: MigrateDown, Steps: 1}, false},
		{"down with steps", []string{"down", "3"}, MigrateArgs{Action: MigrateDown, Steps: 3}, false},
		{"down with zero steps", []string{"down", "0"}, MigrateArgs{}, true},
		{"down with garbage", []string{"down", "all"}, MigrateArgs{}, true},
		{"unknown action", []string{"redo"}, MigrateArgs{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMigrateArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMigrateArgs(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseMigrateArgs(%v) = %+v, want %+v", tt.args, got, tt.want)
			}
		})
	}
}
