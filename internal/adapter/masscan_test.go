package adapter_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redconsec/redcon/internal/adapter"
	"github.com/redconsec/redcon/internal/model"
)

// a kill mid-scan leaves the JSON array unterminated
const masscanSampleJSON = `[
{   "ip": "198.51.100.7",   "timestamp": "1724300000", "ports": [ {"port": 80, "proto": "tcp", "status": "open", "reason": "syn-ack", "ttl": 64} ] },
{   "ip": "198.51.100.9",   "timestamp": "1724300001", "ports": [ {"port": 443, "proto": "tcp", "status": "open", "reason": "syn-ack", "ttl": 64} ] },
`

func TestMasscanValidate(t *testing.T) {
	t.Parallel()
	m := adapter.NewMasscan("masscan")

	require.NoError(t, m.Validate([]string{"198.51.100.0/24"}, nil))
	require.NoError(t, m.Validate([]string{"198.51.100.7"}, map[string]string{"rate": "1000"}))
	require.ErrorIs(t, m.Validate([]string{"web01.example.com"}, nil), model.ErrValidation)
	require.ErrorIs(t, m.Validate(nil, nil), model.ErrValidation)
	require.ErrorIs(t, m.Validate([]string{"198.51.100.7"}, map[string]string{"rate": "fast"}), model.ErrValidation)
}

func TestMasscanCommand(t *testing.T) {
	t.Parallel()
	m := adapter.NewMasscan("masscan")

	inv, err := m.Command([]string{"198.51.100.0/24"}, nil, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, []string{"-oJ", "-", "-p", "1-1000", "198.51.100.0/24"}, inv.Args)
}

func TestMasscanParse(t *testing.T) {
	t.Parallel()
	m := adapter.NewMasscan("masscan")

	findings, warnings := m.Parse(t.Context(), adapter.RawOutput{
		Stdout:    []byte(masscanSampleJSON),
		Truncated: true,
	}, nil)
	require.Len(t, findings, 2)
	require.Equal(t, "198.51.100.7", findings[0].Target)
	require.Equal(t, "80", findings[0].Port)
	require.Equal(t, model.SeverityInfo, findings[0].Severity)
	require.NotEmpty(t, warnings)
}

func TestMasscanParseEmpty(t *testing.T) {
	t.Parallel()
	m := adapter.NewMasscan("masscan")

	findings, warnings := m.Parse(t.Context(), adapter.RawOutput{Stdout: nil}, nil)
	require.Empty(t, findings)
	require.Empty(t, warnings)
}
