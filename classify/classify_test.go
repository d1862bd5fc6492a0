package classify

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unusual-whales/feedtap/metric"
	"github.com/unusual-whales/feedtap/types"
)

func newTestClassifier(t *testing.T, rules []Rule) *Classifier {
	t.Helper()
	c, err := New(rules, nil, nil)
	require.NoError(t, err)
	return c
}

func TestClassify_DefaultRules(t *testing.T) {
	c := newTestClassifier(t, DefaultRules())

	tests := []struct {
		channel  string
		expected types.Key
	}{
		{"option_trades:TSLA", "option_trades"},
		{"flow-alerts", "flow_alerts"},
		{"gex:SPY", "greeks"},
		{"gex:QQQ", "greeks"},
		{"gex:IWM", "greeks"},
	}

	for _, test := range tests {
		t.Run(test.channel, func(t *testing.T) {
			assert.Equal(t, test.expected, c.Classify(test.channel))
		})
	}
}

func TestClassify_TotalOverAnyChannel(t *testing.T) {
	c := newTestClassifier(t, DefaultRules())

	// Any unconfigured channel must resolve to the unknown key, never panic
	for _, channel := range []string{"", "price:AAPL", "news", "GEX:SPY", "option trades"} {
		assert.Equal(t, types.UnknownKey, c.Classify(channel), "channel %q", channel)
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	// A channel containing both patterns resolves to the earlier rule
	rules := []Rule{
		{Pattern: "gex", Match: MatchSubstring, Key: "greeks"},
		{Pattern: "SPY", Match: MatchSubstring, Key: "spy"},
	}
	c := newTestClassifier(t, rules)

	assert.Equal(t, types.Key("greeks"), c.Classify("gex:SPY"))

	// Reversed priority flips the result
	reversed := newTestClassifier(t, []Rule{rules[1], rules[0]})
	assert.Equal(t, types.Key("spy"), reversed.Classify("gex:SPY"))
}

func TestClassify_SubstringMatch(t *testing.T) {
	c := newTestClassifier(t, []Rule{
		{Pattern: "alerts", Match: MatchSubstring, Key: "alerts"},
	})

	assert.Equal(t, types.Key("alerts"), c.Classify("flow-alerts"))
	assert.Equal(t, types.Key("alerts"), c.Classify("alerts"))
	assert.Equal(t, types.UnknownKey, c.Classify("flow"))
}

func TestClassify_UnknownCounterIncrements(t *testing.T) {
	registry := metric.NewRegistry()
	c, err := New(DefaultRules(), nil, registry)
	require.NoError(t, err)

	c.Classify("mystery:channel")
	c.Classify("mystery:channel")
	c.Classify("gex:SPY")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), "feedtap_classifier_unknown_channels_total 2")
}

func TestKeys_DistinctWithUnknownAppended(t *testing.T) {
	c := newTestClassifier(t, []Rule{
		{Pattern: "gex", Match: MatchPrefix, Key: "greeks"},
		{Pattern: "greek", Match: MatchPrefix, Key: "greeks"},
		{Pattern: "flow-alerts", Match: MatchPrefix, Key: "flow_alerts"},
	})

	assert.Equal(t, []types.Key{"greeks", "flow_alerts", types.UnknownKey}, c.Keys())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, nil)
	assert.Error(t, err)

	_, err = New([]Rule{{Pattern: "", Match: MatchPrefix, Key: "x"}}, nil, nil)
	assert.Error(t, err)

	_, err = New([]Rule{{Pattern: "x", Match: "regex", Key: "x"}}, nil, nil)
	assert.Error(t, err)

	_, err = New([]Rule{{Pattern: "x", Match: MatchPrefix, Key: ""}}, nil, nil)
	assert.Error(t, err)
}
