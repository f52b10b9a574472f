// Package validate implements the closed set of field- and row-level
// validation rules of spec §4.5. As with pkg/transform, dispatch is a
// switch over the rule catalog, never a registry.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tablesync/tablesync/pkg/config"
	"github.com/tablesync/tablesync/pkg/rowvalue"
	"github.com/tablesync/tablesync/pkg/synerr"
)

var (
	emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phoneRe = regexp.MustCompile(`^\+?[0-9()\-.\s]{7,20}$`)
)

// Result is the outcome of validating a single transformed row.
type Result struct {
	Record   rowvalue.Row
	Errors   []*synerr.ValidationError
	Warnings []*synerr.ValidationError
}

// Rejected reports whether the row should be dropped from the batch.
func (r Result) Rejected() bool { return len(r.Errors) > 0 }

// Validator checks transformed rows against a TableMapping's field- and
// row-level rules.
type Validator struct {
	mapping config.TableMapping
}

// New builds a Validator for one table mapping.
func New(mapping config.TableMapping) *Validator {
	return &Validator{mapping: mapping}
}

// Invalid pairs a rejected row with its Result.
type Invalid struct {
	Row    rowvalue.Row
	Result Result
}

// ValidateBatch checks every row independently (spec §4.5 batch contract).
func (v *Validator) ValidateBatch(rows []rowvalue.Row) (valid []rowvalue.Row, invalid []Invalid) {
	for _, row := range rows {
		res := v.ValidateRow(row)
		if res.Rejected() {
			invalid = append(invalid, Invalid{Row: row, Result: res})
			continue
		}
		valid = append(valid, row)
	}
	return valid, invalid
}

// ValidateRow applies field-level constraints (declared per mapping entry)
// followed by table-level row validators (which may reference any
// already-transformed field).
func (v *Validator) ValidateRow(row rowvalue.Row) Result {
	res := Result{Record: row}
	for _, fm := range v.mapping.FieldMappings {
		field := fm.Target.Single()
		val := row[field]
		if err := checkImplicitType(field, val, fm.Type); err != nil {
			res.Errors = append(res.Errors, err)
		}
		for _, rule := range fm.Constraints {
			applyRule(&res, field, val, rule)
		}
	}
	for _, rule := range v.mapping.RowValidators {
		applyRule(&res, rule.Field, row[rule.Field], rule)
	}
	return res
}

func checkImplicitType(field string, v rowvalue.Value, kind rowvalue.Kind) *synerr.ValidationError {
	if v.IsNull() || kind == "" {
		return nil
	}
	if v.Kind != kind {
		return &synerr.ValidationError{Field: field, Rule: "type", Msg: fmt.Sprintf("expected %s, got %s", kind, v.Kind)}
	}
	return nil
}

func applyRule(res *Result, field string, v rowvalue.Value, rule config.RuleSpec) {
	err := evalRule(field, v, rule)
	if err == nil {
		return
	}
	if rule.Severity == "warning" {
		res.Warnings = append(res.Warnings, err)
	} else {
		res.Errors = append(res.Errors, err)
	}
}

// evalRule is the closed tagged-union switch over the validation catalog.
func evalRule(field string, v rowvalue.Value, rule config.RuleSpec) *synerr.ValidationError {
	fail := func(msg string) *synerr.ValidationError {
		return &synerr.ValidationError{Field: field, Rule: rule.Rule, Msg: msg}
	}

	switch rule.Rule {
	case "notNull":
		if v.IsNull() {
			return fail("must not be null")
		}
	case "notEmpty":
		s, _ := v.AsString()
		if v.IsNull() || strings.TrimSpace(s) == "" {
			return fail("must not be empty")
		}
	case "minLength":
		n := argInt(rule, 0)
		s, ok := v.AsString()
		if ok && len(s) < n {
			return fail(fmt.Sprintf("length %d below minimum %d", len(s), n))
		}
	case "maxLength":
		n := argInt(rule, 0)
		s, ok := v.AsString()
		if ok && len(s) > n {
			return fail(fmt.Sprintf("length %d exceeds maximum %d", len(s), n))
		}
	case "minValue":
		min := argFloat(rule, 0)
		f, ok := v.AsFloat64()
		if ok && f < min {
			return fail(fmt.Sprintf("%v below minimum %v", f, min))
		}
	case "maxValue":
		max := argFloat(rule, 0)
		f, ok := v.AsFloat64()
		if ok && f > max {
			return fail(fmt.Sprintf("%v exceeds maximum %v", f, max))
		}
	case "positive":
		f, ok := v.AsFloat64()
		if ok && f <= 0 {
			return fail("must be positive")
		}
	case "nonNegative":
		f, ok := v.AsFloat64()
		if ok && f < 0 {
			return fail("must be non-negative")
		}
	case "regex":
		pattern := argString(rule, 0)
		s, ok := v.AsString()
		if ok {
			re, err := regexp.Compile(pattern)
			if err != nil || !re.MatchString(s) {
				return fail(fmt.Sprintf("does not match pattern %q", pattern))
			}
		}
	case "emailFormat":
		s, ok := v.AsString()
		if ok && !emailRe.MatchString(s) {
			return fail("not a valid email address")
		}
	case "phoneFormat":
		s, ok := v.AsString()
		if ok && !phoneRe.MatchString(s) {
			return fail("not a valid phone number")
		}
	case "inList":
		s, ok := v.AsString()
		if ok && !contains(rule.Args, s) {
			return fail(fmt.Sprintf("%q is not one of %v", s, rule.Args))
		}
	case "dateRange":
		t, ok := v.AsTime()
		if ok {
			if min := argTime(rule, 0); !min.IsZero() && t.Before(min) {
				return fail(fmt.Sprintf("before minimum date %s", min))
			}
			if max := argTime(rule, 1); !max.IsZero() && t.After(max) {
				return fail(fmt.Sprintf("after maximum date %s", max))
			}
		}
	default:
		// Config validation rejects unknown rules before row time.
		return fail(fmt.Sprintf("unknown rule %q", rule.Rule))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func argString(rule config.RuleSpec, i int) string {
	if i < len(rule.Args) {
		return rule.Args[i]
	}
	return ""
}

func argInt(rule config.RuleSpec, i int) int {
	n, _ := strconv.Atoi(argString(rule, i))
	return n
}

func argFloat(rule config.RuleSpec, i int) float64 {
	f, _ := strconv.ParseFloat(argString(rule, i), 64)
	return f
}

func argTime(rule config.RuleSpec, i int) time.Time {
	s := argString(rule, i)
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse("2006-01-02", s)
	return t
}
