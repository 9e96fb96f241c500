package app

import (
	"testing"
)

func TestParseCommand_DefaultsToServe(t *testing.T) {
	cmd := ParseCommand([]string{})
	if cmd != CommandServe {
		t.Errorf("ParseCommand([]) = %q, want %q", cmd, CommandServe)
	}
}

func TestParseCommand_Serve(t *testing.T) {
	cmd := ParseCommand([]string{"serve"})
	if cmd != CommandServe {
		t.Errorf("ParseCommand([serve]) = %q, want %q", cmd, CommandServe)
	}
}

func TestParseCommand_Worker(t *testing.T) {
	cmd := ParseCommand([]string{"worker"})
	if cmd != CommandWorker {
		t.Errorf("ParseCommand([worker]) = %q, want %q", cmd, CommandWorker)
	}
}

func TestParseCommand_Migrate(t *testing.T) {
	cmd := ParseCommand([]string{"migrate"})
	if cmd != CommandMigrate {
		t.Errorf("ParseCommand([migrate]) = %q, want %q", cmd, CommandMigrate)
	}
}

func TestParseCommand_UnknownDefaultsToServe(t *testing.T) {
	cmd := ParseCommand([]string{"unknown"})
	if cmd != CommandServe {
		t.Errorf("ParseCommand([unknown]) = %q, want %q", cmd, CommandServe)
	}
}

func TestParseCommand_IgnoresExtraArgs(t *testing.T) {
	cmd := ParseCommand([]string{"worker", "--flag", "value"})
	if cmd != CommandWorker {
		t.Errorf("ParseCommand([worker --flag value]) = %q, want %q", cmd, CommandWorker)
	}
}

func TestCommandString(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{CommandServe, "serve"},
		{CommandWorker, "worker"},
		{CommandMigrate, "migrate"},
		{CommandHealthcheck, "healthcheck"},
	}

	for _, tt := range tests {
		if got := string(tt.cmd); got != tt.want {
			t.Errorf("Command(%q) string = %q, want %q", tt.cmd, got, tt.want)
		}
	}
}

func TestParseCommand_Healthcheck(t *testing.T) {
	cmd := ParseCommand([]string{"healthcheck"})
	if cmd != CommandHealthcheck {
		t.Errorf("ParseCommand([healthcheck]) = %q, want %q", cmd, CommandHealthcheck)
	}
}

func TestParseMigrateAction(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		want   MigrateAction
		wantOK bool
	}{
		{"defaults to up", []string{"migrate"}, MigrateUp, true},
		{"up", []string{"migrate", "up"}, MigrateUp, true},
		{"down", []string{"migrate", "down"}, MigrateDown, true},
		{"version", []string{"migrate", "version"}, MigrateVersion, true},
		{"unknown", []string{"migrate", "redo"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseMigrateAction(tt.args)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseMigrateAction(%v) = (%q, %v), want (%q, %v)", tt.args, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
