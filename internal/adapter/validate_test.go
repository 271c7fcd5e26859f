package adapter_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redconsec/redcon/internal/adapter"
	"github.com/redconsec/redcon/internal/model"
)

func TestGuardDefaults(t *testing.T) {
	t.Parallel()
	g, err := adapter.NewGuard(nil)
	require.NoError(t, err)

	cases := []struct {
		scenario string
		given    []string
		wantErr  bool
	}{
		{"public_addr", []string{"198.51.100.7"}, false},
		{"loopback", []string{"127.0.0.1"}, true},
		{"loopback_in_url", []string{"http://127.0.0.1:8080/app"}, true},
		{"link_local", []string{"169.254.10.1"}, true},
		{"multicast_range", []string{"224.0.0.0/24"}, true},
		{"range_overlapping_blocked", []string{"126.0.0.0/7"}, true},
		{"hostname_passes_unresolved", []string{"intranet.example.com"}, false},
		{"ipv6_loopback", []string{"::1"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			err := g.Check(tc.given)
			if tc.wantErr {
				require.ErrorIs(t, err, model.ErrValidation)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestGuardWhitelist(t *testing.T) {
	t.Parallel()
	g, err := adapter.NewGuard(&model.Safety{
		AllowedRanges: []string{"10.10.0.0/16"},
		WhitelistMode: true,
	})
	require.NoError(t, err)

	require.NoError(t, g.Check([]string{"10.10.3.4"}))
	require.NoError(t, g.Check([]string{"10.10.0.0/24"}))
	require.ErrorIs(t, g.Check([]string{"10.11.0.1"}), model.ErrValidation)
	// a range wider than any allowed range escapes the whitelist
	require.ErrorIs(t, g.Check([]string{"10.0.0.0/8"}), model.ErrValidation)
}

func TestGuardWhitelistRequiresRanges(t *testing.T) {
	t.Parallel()
	_, err := adapter.NewGuard(&model.Safety{WhitelistMode: true})
	require.Error(t, err)
}

func TestGuardCustomBlocked(t *testing.T) {
	t.Parallel()
	g, err := adapter.NewGuard(&model.Safety{
		BlockedRanges: []string{"192.0.2.66"},
	})
	require.NoError(t, err)

	// custom list replaces the defaults entirely
	require.NoError(t, g.Check([]string{"127.0.0.1"}))
	require.ErrorIs(t, g.Check([]string{"192.0.2.66"}), model.ErrValidation)
}
