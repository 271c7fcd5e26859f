package adapter_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redconsec/redcon/internal/adapter"
	"github.com/redconsec/redcon/internal/model"
)

func boolPtr(b bool) *bool { return &b }

func TestBuiltinHonorsConfig(t *testing.T) {
	t.Parallel()
	cfg := model.Config{
		Tools: map[string]model.Tool{
			"sqlmap": {Enabled: boolPtr(false)},
			"nmap":   {Binary: "/opt/scanners/nmap"},
		},
	}
	reg := adapter.Builtin(cfg)

	_, err := reg.Lookup(model.ToolSQLMap)
	require.ErrorIs(t, err, model.ErrToolDisabled)

	a, err := reg.Lookup(model.ToolNmap)
	require.NoError(t, err)
	inv, err := a.Command([]string{"198.51.100.7"}, nil, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "/opt/scanners/nmap", inv.Path)

	_, err = reg.Lookup(model.ToolName("metasploit"))
	require.ErrorIs(t, err, model.ErrUnknownTool)
}

func TestPlan(t *testing.T) {
	t.Parallel()
	reg := adapter.Builtin(model.Config{})

	toolNames := func(as []adapter.Adapter) []model.ToolName {
		out := make([]model.ToolName, len(as))
		for i, a := range as {
			out[i] = a.Tool()
		}
		return out
	}

	type then struct {
		tools []model.ToolName
		err   error
	}
	cases := []struct {
		scenario string
		given    model.ScanRequest
		then     then
	}{
		{
			"network_default",
			model.ScanRequest{Type: model.ScanTypeNetwork},
			then{tools: []model.ToolName{model.ToolNmap}},
		},
		{
			"network_with_masscan_options",
			model.ScanRequest{
				Type:    model.ScanTypeNetwork,
				Options: map[model.ToolName]map[string]string{model.ToolMasscan: {"ports": "80"}},
			},
			then{tools: []model.ToolName{model.ToolMasscan, model.ToolNmap}},
		},
		{
			"web_default",
			model.ScanRequest{Type: model.ScanTypeWeb},
			then{tools: []model.ToolName{model.ToolNikto}},
		},
		{
			"ad_without_credentials",
			model.ScanRequest{Type: model.ScanTypeAD},
			then{err: model.ErrValidation},
		},
		{
			"explicit_tool_list_keeps_order",
			model.ScanRequest{
				Type:  model.ScanTypeCustom,
				Tools: []model.ToolName{model.ToolNikto, model.ToolNmap},
			},
			then{tools: []model.ToolName{model.ToolNikto, model.ToolNmap}},
		},
		{
			"custom_without_tools",
			model.ScanRequest{Type: model.ScanTypeCustom},
			then{err: model.ErrValidation},
		},
		{
			"explicit_unknown_tool",
			model.ScanRequest{
				Type:  model.ScanTypeCustom,
				Tools: []model.ToolName{"nessus"},
			},
			then{err: model.ErrUnknownTool},
		},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			as, err := reg.Plan(tc.given)
			if tc.then.err != nil {
				require.ErrorIs(t, err, tc.then.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then.tools, toolNames(as))
		})
	}
}

func TestPlanSkipsDisabledDefaults(t *testing.T) {
	t.Parallel()
	reg := adapter.Builtin(model.Config{
		Tools: map[string]model.Tool{
			"nikto":  {Enabled: boolPtr(false)},
			"sqlmap": {Enabled: boolPtr(false)},
		},
	})

	// nothing left in the web set
	_, err := reg.Plan(model.ScanRequest{Type: model.ScanTypeWeb})
	require.ErrorIs(t, err, model.ErrValidation)

	// opt-in tool explicitly asked for while disabled is its own error
	_, err = reg.Plan(model.ScanRequest{
		Type: model.ScanTypeWeb,
		Options: map[model.ToolName]map[string]string{
			model.ToolSQLMap: {"level": "2"},
		},
	})
	require.ErrorIs(t, err, model.ErrToolDisabled)
}
