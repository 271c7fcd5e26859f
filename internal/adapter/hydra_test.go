package adapter_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redconsec/redcon/internal/adapter"
	"github.com/redconsec/redcon/internal/model"
)

func hydraOpts(t *testing.T) map[string]string {
	t.Helper()
	wordlist := filepath.Join(t.TempDir(), "passwords.txt")
	require.NoError(t, os.WriteFile(wordlist, []byte("toor\nadmin\n"), 0o600))
	return map[string]string{
		"service":  "ssh",
		"username": "root",
		"passlist": wordlist,
	}
}

func TestHydraValidate(t *testing.T) {
	t.Parallel()
	h := adapter.NewHydra("hydra")

	require.NoError(t, h.Validate([]string{"198.51.100.7"}, hydraOpts(t)))

	cases := []struct {
		scenario string
		mutate   func(map[string]string)
	}{
		{"missing_service", func(o map[string]string) { delete(o, "service") }},
		{"unsupported_service", func(o map[string]string) { o["service"] = "finger" }},
		{"no_user_source", func(o map[string]string) { delete(o, "username") }},
		{"missing_wordlist_file", func(o map[string]string) { o["passlist"] = "/nonexistent/words.txt" }},
		{"bad_port", func(o map[string]string) { o["port"] = "99999" }},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			opts := hydraOpts(t)
			tc.mutate(opts)
			require.ErrorIs(t, h.Validate([]string{"198.51.100.7"}, opts), model.ErrValidation)
		})
	}
}

func TestHydraCommand(t *testing.T) {
	t.Parallel()
	h := adapter.NewHydra("hydra")
	opts := hydraOpts(t)

	inv, err := h.Command([]string{"198.51.100.7"}, opts, t.TempDir())
	require.NoError(t, err)
	require.Contains(t, inv.Args, "-l")
	require.Contains(t, inv.Args, "-P")
	require.Equal(t, "ssh", inv.Args[len(inv.Args)-1])
	require.Equal(t, "198.51.100.7", inv.Args[len(inv.Args)-2])
}

func TestHydraCommandMultipleTargets(t *testing.T) {
	t.Parallel()
	h := adapter.NewHydra("hydra")
	dir := t.TempDir()

	inv, err := h.Command([]string{"198.51.100.7", "198.51.100.8"}, hydraOpts(t), dir)
	require.NoError(t, err)
	require.Contains(t, inv.Args, "-M")

	data, err := os.ReadFile(filepath.Join(dir, "targets.txt"))
	require.NoError(t, err)
	require.Equal(t, "198.51.100.7\n198.51.100.8\n", string(data))
}

func TestHydraParse(t *testing.T) {
	t.Parallel()
	h := adapter.NewHydra("hydra")

	out := `Hydra v9.5 (c) 2023 by van Hauser/THC
[DATA] attacking ssh://198.51.100.7:22/
[22][ssh] host: 198.51.100.7   login: root   password: toor
1 of 1 target successfully completed, 1 valid password found
`
	findings, warnings := h.Parse(t.Context(), adapter.RawOutput{Stdout: []byte(out)}, nil)
	require.Empty(t, warnings)
	require.Len(t, findings, 1)

	f := findings[0]
	require.Equal(t, model.SeverityCritical, f.Severity)
	require.Equal(t, "198.51.100.7", f.Target)
	require.Equal(t, "22", f.Port)
	require.Equal(t, "ssh", f.Service)
	// the cleartext password never lands in the finding
	require.NotContains(t, f.Description, "toor")
	require.Contains(t, f.Description, "t***")
}

func TestHydraParseNoHits(t *testing.T) {
	t.Parallel()
	h := adapter.NewHydra("hydra")

	out := "1 of 1 target completed, 0 valid passwords found"
	findings, warnings := h.Parse(t.Context(), adapter.RawOutput{Stdout: []byte(out), Truncated: true}, nil)
	require.Empty(t, findings)
	require.NotEmpty(t, warnings)
}
