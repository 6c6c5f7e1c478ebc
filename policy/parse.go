// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package policy

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

var (
	// ErrMalformedPolicy is returned for any textual policy expression
	// that does not match the grammar.
	ErrMalformedPolicy = errors.New("malformed policy expression")

	// ErrUnknownCombinator is returned when an expression uses an
	// operator name this engine does not know.
	ErrUnknownCombinator = errors.New("unknown policy combinator")
)

// Parse parses the textual policy grammar into an expression tree:
//
//	pk(<33-byte hex key>)
//	thresh(<k>,<expr>,<expr>,...)
//	and(<expr>,<expr>)
//	or(<expr>,<expr>) | or(<w>@<expr>,<w>@<expr>)
//	after(<n>) | older(<n>)
//	sha256(<32-byte hex image>)
//
// Whitespace between tokens is ignored. The resulting tree is validated
// before it is returned, so a parsed policy carries the same construction
// guarantees as one built through the constructors.
func Parse(expr string) (Policy, error) {
	p, err := parseExpr(strings.TrimSpace(expr), 0)
	if err != nil {
		return nil, err
	}

	if err := Validate(p); err != nil {
		return nil, err
	}

	return p, nil
}

// parseExpr parses one expression of the grammar at the given nesting depth.
func parseExpr(expr string, depth int) (Policy, error) {
	if depth >= MaxPolicyDepth {
		return nil, ErrPolicyTooDeep
	}

	expr = strings.TrimSpace(expr)

	open := strings.IndexByte(expr, '(')
	if open <= 0 || !strings.HasSuffix(expr, ")") {
		return nil, fmt.Errorf("%w: %q", ErrMalformedPolicy, expr)
	}

	name := strings.TrimSpace(expr[:open])
	body := expr[open+1 : len(expr)-1]

	switch name {
	case "pk":
		return parseKey(body)

	case "thresh":
		return parseThreshold(body, depth)

	case "and":
		args, err := splitArgs(body, 2)
		if err != nil {
			return nil, err
		}
		a, err := parseExpr(args[0], depth+1)
		if err != nil {
			return nil, err
		}
		b, err := parseExpr(args[1], depth+1)
		if err != nil {
			return nil, err
		}

		return NewAnd(a, b)

	case "or":
		return parseOr(body, depth)

	case "after":
		value, err := parseLockValue(body)
		if err != nil {
			return nil, err
		}

		return NewAfter(value)

	case "older":
		value, err := parseLockValue(body)
		if err != nil {
			return nil, err
		}

		return NewOlder(value)

	case "sha256":
		return parsePreimage(body)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCombinator, name)
	}
}

// parseKey parses the hex-encoded compressed public key of a pk() leaf.
func parseKey(body string) (Policy, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(body))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid key hex: %v",
			ErrMalformedPolicy, err)
	}

	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid public key: %v",
			ErrMalformedPolicy, err)
	}

	return NewKey(pub), nil
}

// parseThreshold parses the body of a thresh() combinator: k followed by at
// least one sub-expression.
func parseThreshold(body string, depth int) (Policy, error) {
	args, err := splitArgs(body, 0)
	if err != nil {
		return nil, err
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: thresh needs k and at least one "+
			"operand", ErrMalformedPolicy)
	}

	k, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid threshold k: %v",
			ErrMalformedPolicy, err)
	}

	children := make([]Policy, 0, len(args)-1)
	for _, arg := range args[1:] {
		child, err := parseExpr(arg, depth+1)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	return NewThreshold(k, children...)
}

// parseOr parses the body of an or() combinator, with optional w@ branch
// weights.
func parseOr(body string, depth int) (Policy, error) {
	args, err := splitArgs(body, 2)
	if err != nil {
		return nil, err
	}

	weightA, exprA, err := splitWeight(args[0])
	if err != nil {
		return nil, err
	}
	weightB, exprB, err := splitWeight(args[1])
	if err != nil {
		return nil, err
	}

	a, err := parseExpr(exprA, depth+1)
	if err != nil {
		return nil, err
	}
	b, err := parseExpr(exprB, depth+1)
	if err != nil {
		return nil, err
	}

	return NewWeightedOr(weightA, a, weightB, b)
}

// splitWeight splits an optional leading "w@" probability weight off an
// or-branch, defaulting the weight to 1.
func splitWeight(arg string) (uint32, string, error) {
	arg = strings.TrimSpace(arg)

	at := strings.IndexByte(arg, '@')
	if at < 0 {
		return 1, arg, nil
	}

	// An '@' inside a nested expression is not a weight separator; only
	// one before the first parenthesis counts.
	if open := strings.IndexByte(arg, '('); open >= 0 && open < at {
		return 1, arg, nil
	}

	weight, err := strconv.ParseUint(strings.TrimSpace(arg[:at]), 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("%w: invalid branch weight: %v",
			ErrMalformedPolicy, err)
	}

	return uint32(weight), arg[at+1:], nil
}

// parseLockValue parses the numeric bound of a timelock leaf.
func parseLockValue(body string) (uint32, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(body), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid lock value: %v",
			ErrMalformedPolicy, err)
	}

	return uint32(value), nil
}

// parsePreimage parses the hex-encoded SHA-256 image of a sha256() leaf.
func parsePreimage(body string) (Policy, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(body))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hash hex: %v",
			ErrMalformedPolicy, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: sha256 image must be 32 bytes, "+
			"got %d", ErrMalformedPolicy, len(raw))
	}

	var hash [32]byte
	copy(hash[:], raw)

	return NewPreimage(hash), nil
}

// splitArgs splits a combinator body on top-level commas, ignoring commas
// inside nested parentheses. If want is non-zero, exactly that many
// arguments are required.
func splitArgs(body string, want int) ([]string, error) {
	var (
		args  []string
		depth int
		start int
	)
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unbalanced "+
					"parentheses", ErrMalformedPolicy)
			}
		case ',':
			if depth == 0 {
				args = append(args, body[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: unbalanced parentheses",
			ErrMalformedPolicy)
	}
	args = append(args, body[start:])

	if want != 0 && len(args) != want {
		return nil, fmt.Errorf("%w: expected %d operands, got %d",
			ErrMalformedPolicy, want, len(args))
	}

	return args, nil
}
