package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/pkg/types"
)

// TestEvalBool tests guard evaluation over instance variables
func TestEvalBool(t *testing.T) {
	vars := map[string]types.Scalar{
		"amount":   types.Int(1500),
		"ratio":    types.Float(0.25),
		"region":   types.String("eu"),
		"approved": types.Bool(true),
	}

	tests := []struct {
		name string
		src  string
		want bool
	}{
		{"int comparison true", "amount > 1000", true},
		{"int comparison false", "amount < 1000", false},
		{"equality on strings", `region == "eu"`, true},
		{"inequality on strings", `region != "us"`, true},
		{"single quoted string", `region == 'eu'`, true},
		{"bool variable", "approved", true},
		{"negation keyword", "not approved", false},
		{"negation operator", "!approved", false},
		{"and combination", `amount >= 1500 && region == "eu"`, true},
		{"or combination", `amount > 9000 || approved`, true},
		{"keyword operators", `amount > 9000 or approved`, true},
		{"and keyword", `approved and amount > 100`, true},
		{"parentheses", `(amount > 9000 || amount < 2000) && approved`, true},
		{"float comparison", "ratio <= 0.5", true},
		{"mixed int float", "amount > 0.5", true},
		{"arithmetic", "amount + 500 == 2000", true},
		{"multiplication", "amount * 2 > 2999", true},
		{"unary minus", "-amount < 0", true},
		{"literal true", "true", true},
		{"literal false", "false", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog, err := Compile(tt.src)
			require.NoError(t, err)

			got, err := prog.EvalBool(vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestCompileErrors tests syntax rejection
func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"empty", ""},
		{"dangling operator", "amount >"},
		{"unterminated string", `region == "eu`},
		{"unbalanced paren", "(amount > 1"},
		{"trailing input", "amount > 1 amount"},
		{"bad character", "amount @ 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.src)
			assert.Error(t, err)
		})
	}
}

// TestEvalErrors tests runtime evaluation failures
func TestEvalErrors(t *testing.T) {
	vars := map[string]types.Scalar{
		"amount": types.Int(10),
		"region": types.String("eu"),
	}

	tests := []struct {
		name string
		src  string
	}{
		{"unknown variable", "missing > 1"},
		{"non-bool result", "amount + 1"},
		{"not on non-bool", "not amount"},
		{"order on strings and numbers", `region > 5`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog, err := Compile(tt.src)
			require.NoError(t, err)

			_, err = prog.EvalBool(vars)
			assert.Error(t, err)
		})
	}
}

// TestEvalScalar tests plain value evaluation
func TestEvalScalar(t *testing.T) {
	prog, err := Compile("2 + 3 * 4")
	require.NoError(t, err)

	v, err := prog.Eval(nil)
	require.NoError(t, err)
	assert.Equal(t, types.Int(14), v)
}
