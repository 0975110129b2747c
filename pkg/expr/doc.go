/*
Package expr compiles and evaluates guard expressions over scalar variables.

Workflow transitions carry boolean guards such as "amount > 100 && region ==
'eu'". This package provides the small expression language those guards are
written in: compile once at declaration time, evaluate many times against an
instance's variable scope.

# Language

Operands:
  - identifiers resolve against the variable scope; unknown names error
  - literals: integers, floats, single- or double-quoted strings,
    true, false, null

Operators, loosest binding first:

	||
	&&
	== != < <= > >=
	+ -
	* / %
	! -   (prefix)

Parentheses group as usual. Comparison follows scalar kinds: numbers compare
numerically across int and float, strings lexicographically, booleans only
for equality. Mixing incomparable kinds is an evaluation error, not a silent
false.

# Usage

	p, err := expr.Compile("amount > 100 && !express")
	if err != nil {
		return err
	}

	ok, err := p.EvalBool(map[string]types.Scalar{
		"amount":  types.Int(250),
		"express": types.Bool(false),
	})

Compile rejects syntax errors and expressions nested beyond a fixed depth.
EvalBool additionally requires the result to be boolean; a guard that
evaluates to a number is a declaration bug and surfaces as an error.

# Integration Points

  - pkg/topology compiles every transition guard during workflow validation
  - pkg/workflow evaluates compiled guards at exclusive and inclusive
    gateways, in declared transition order
*/
package expr
