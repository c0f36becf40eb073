// Package gcode parses the fixed G/M-code subset and dispatches parsed
// commands to the motion, pulser and wire-feed subsystems.
package gcode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CmdType is the command class.
type CmdType int

const (
	CmdNone CmdType = iota
	CmdG
	CmdM
)

// AxisState describes how an axis letter appeared in a command.
type AxisState int

const (
	AxisNotSpecified AxisState = iota
	AxisOnly                   // bare letter, e.g. "X" in "G28 X"
	AxisWithValue              // letter with value, e.g. "X10.5"
)

// ParamState describes whether a scalar parameter appeared.
type ParamState int

const (
	ParamNotSpecified ParamState = iota
	ParamSpecified
)

// Parsed is a tokenised G/M command.
type Parsed struct {
	Type    CmdType
	Code    int // major number: 0 for G0, 38 for G38.2
	SubCode int // minor number: 2 for G38.2, -1 if absent

	XState, YState, ZState AxisState
	X, Y, Z                float64

	PState, QState, RState ParamState
	P, Q, R                float64
}

var errParse = errors.New("gcode: parse error")

func parseCode(token string) (CmdType, int, int, error) {
	var typ CmdType
	switch {
	case strings.HasPrefix(token, "G"):
		typ = CmdG
	case strings.HasPrefix(token, "M"):
		typ = CmdM
	default:
		return CmdNone, 0, 0, errParse
	}

	codePart := token[1:]
	subCode := -1
	if dot := strings.IndexByte(codePart, '.'); dot >= 0 {
		sub, err := strconv.Atoi(codePart[dot+1:])
		if err != nil || sub < 0 || sub > 9 {
			return CmdNone, 0, 0, errParse
		}
		subCode = sub
		codePart = codePart[:dot]
	}

	code, err := strconv.Atoi(codePart)
	if err != nil || code < 0 || code > 999 {
		return CmdNone, 0, 0, errParse
	}
	return typ, code, subCode, nil
}

// parseAxis handles "X" (bare) and "X10.5" tokens.
func parseAxis(token string, state *AxisState, value *float64) error {
	if len(token) == 1 {
		*state = AxisOnly
		return nil
	}
	v, err := strconv.ParseFloat(token[1:], 64)
	if err != nil {
		return errParse
	}
	*state = AxisWithValue
	*value = v
	return nil
}

// parseParam handles "P500"-style tokens; a bare parameter letter is an
// error.
func parseParam(token string, state *ParamState, value *float64) error {
	if len(token) == 1 {
		return errParse
	}
	v, err := strconv.ParseFloat(token[1:], 64)
	if err != nil {
		return errParse
	}
	*state = ParamSpecified
	*value = v
	return nil
}

// Parse tokenises one command line. It is pure: no machine state is
// consulted or modified. Letters are case-sensitive; any unknown letter
// or malformed value rejects the whole line.
func Parse(line string) (Parsed, error) {
	var p Parsed
	p.SubCode = -1

	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return p, errParse
	}

	typ, code, subCode, err := parseCode(tokens[0])
	if err != nil {
		return Parsed{SubCode: -1}, err
	}
	p.Type = typ
	p.Code = code
	p.SubCode = subCode

	for _, token := range tokens[1:] {
		switch token[0] {
		case 'X':
			err = parseAxis(token, &p.XState, &p.X)
		case 'Y':
			err = parseAxis(token, &p.YState, &p.Y)
		case 'Z':
			err = parseAxis(token, &p.ZState, &p.Z)
		case 'P':
			err = parseParam(token, &p.PState, &p.P)
		case 'Q':
			err = parseParam(token, &p.QState, &p.Q)
		case 'R':
			err = parseParam(token, &p.RState, &p.R)
		default:
			err = errParse
		}
		if err != nil {
			return Parsed{SubCode: -1}, err
		}
	}

	return p, nil
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// String renders the canonical form of a parsed command; parsing the
// result yields an identical record.
func (p Parsed) String() string {
	var sb strings.Builder
	switch p.Type {
	case CmdG:
		sb.WriteByte('G')
	case CmdM:
		sb.WriteByte('M')
	}
	fmt.Fprintf(&sb, "%d", p.Code)
	if p.SubCode >= 0 {
		fmt.Fprintf(&sb, ".%d", p.SubCode)
	}

	axes := []struct {
		letter byte
		state  AxisState
		value  float64
	}{
		{'X', p.XState, p.X},
		{'Y', p.YState, p.Y},
		{'Z', p.ZState, p.Z},
	}
	for _, a := range axes {
		switch a.state {
		case AxisOnly:
			sb.WriteByte(' ')
			sb.WriteByte(a.letter)
		case AxisWithValue:
			sb.WriteByte(' ')
			sb.WriteByte(a.letter)
			sb.WriteString(formatValue(a.value))
		}
	}

	params := []struct {
		letter byte
		state  ParamState
		value  float64
	}{
		{'P', p.PState, p.P},
		{'Q', p.QState, p.Q},
		{'R', p.RState, p.R},
	}
	for _, pr := range params {
		if pr.state == ParamSpecified {
			sb.WriteByte(' ')
			sb.WriteByte(pr.letter)
			sb.WriteString(formatValue(pr.value))
		}
	}

	return sb.String()
}
