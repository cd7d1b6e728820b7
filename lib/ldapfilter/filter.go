// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package ldapfilter parses RFC 4515 LDAP search filter strings and
// evaluates them against a [entry.Entry] in process, without a round
// trip to the directory.
//
// A handler's declared filter (§4.7's manifest field) is matched
// against the new entry for every candidate transaction before
// [lib/dispatch] invokes the handler's handle hook. This package
// implements exactly the matching subset the dispatcher needs:
// equality, presence, substring, and the standard boolean combinators
// AND/OR/NOT. It does not implement extensible matching rules or
// approximate ("~=") matching beyond falling back to equality, since
// the listener never sends these filters to a server — it only
// evaluates them against already-fetched attribute data.
package ldapfilter

import (
	"fmt"
	"strings"

	"github.com/univention/directory-listener/lib/entry"
)

// Filter is a parsed LDAP filter expression.
type Filter interface {
	// Match reports whether e satisfies the filter.
	Match(e entry.Entry) bool
}

// MatchAll is the filter that matches every entry — the default when
// a handler declares no filter.
var MatchAll Filter = matchAllFilter{}

type matchAllFilter struct{}

func (matchAllFilter) Match(entry.Entry) bool { return true }

type andFilter struct{ terms []Filter }

func (f andFilter) Match(e entry.Entry) bool {
	for _, term := range f.terms {
		if !term.Match(e) {
			return false
		}
	}
	return true
}

type orFilter struct{ terms []Filter }

func (f orFilter) Match(e entry.Entry) bool {
	for _, term := range f.terms {
		if term.Match(e) {
			return true
		}
	}
	return false
}

type notFilter struct{ term Filter }

func (f notFilter) Match(e entry.Entry) bool { return !f.term.Match(e) }

type presenceFilter struct{ attribute string }

func (f presenceFilter) Match(e entry.Entry) bool {
	_, ok := e.Attribute(f.attribute)
	return ok
}

type equalityFilter struct {
	attribute string
	value     []byte
}

func (f equalityFilter) Match(e entry.Entry) bool {
	attr, ok := e.Attribute(f.attribute)
	if !ok {
		return false
	}
	for _, v := range attr.Values {
		if string(v) == string(f.value) {
			return true
		}
	}
	return false
}

// substringFilter matches "*value*"-style patterns: initial, any, and
// final substring components, per RFC 4515 §3.
type substringFilter struct {
	attribute string
	initial   string
	any       []string
	final     string
}

func (f substringFilter) Match(e entry.Entry) bool {
	attr, ok := e.Attribute(f.attribute)
	if !ok {
		return false
	}
	for _, v := range attr.Values {
		if matchSubstring(string(v), f.initial, f.any, f.final) {
			return true
		}
	}
	return false
}

func matchSubstring(value, initial string, any []string, final string) bool {
	remaining := value
	if initial != "" {
		if !strings.HasPrefix(remaining, initial) {
			return false
		}
		remaining = remaining[len(initial):]
	}
	for _, a := range any {
		idx := strings.Index(remaining, a)
		if idx < 0 {
			return false
		}
		remaining = remaining[idx+len(a):]
	}
	if final != "" {
		return strings.HasSuffix(remaining, final)
	}
	return true
}

// Parse parses an RFC 4515 filter string, e.g. "(uid=*)",
// "(&(objectClass=person)(uid=alice))".
func Parse(filter string) (Filter, error) {
	if filter == "" {
		return MatchAll, nil
	}
	p := &parser{input: filter}
	f, err := p.parseFilter()
	if err != nil {
		return nil, fmt.Errorf("ldapfilter: %w", err)
	}
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("ldapfilter: unexpected trailing input at offset %d", p.pos)
	}
	return f, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) parseFilter() (Filter, error) {
	if p.pos >= len(p.input) || p.input[p.pos] != '(' {
		return nil, fmt.Errorf("expected '(' at offset %d", p.pos)
	}
	p.pos++ // consume '('

	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("unexpected end of filter")
	}

	var result Filter
	var err error

	switch p.input[p.pos] {
	case '&':
		p.pos++
		terms, terr := p.parseFilterList()
		if terr != nil {
			return nil, terr
		}
		result, err = andFilter{terms: terms}, nil
	case '|':
		p.pos++
		terms, terr := p.parseFilterList()
		if terr != nil {
			return nil, terr
		}
		result, err = orFilter{terms: terms}, nil
	case '!':
		p.pos++
		term, terr := p.parseFilter()
		if terr != nil {
			return nil, terr
		}
		result, err = notFilter{term: term}, nil
	default:
		result, err = p.parseSimple()
	}
	if err != nil {
		return nil, err
	}

	if p.pos >= len(p.input) || p.input[p.pos] != ')' {
		return nil, fmt.Errorf("expected ')' at offset %d", p.pos)
	}
	p.pos++ // consume ')'

	return result, nil
}

func (p *parser) parseFilterList() ([]Filter, error) {
	var terms []Filter
	for p.pos < len(p.input) && p.input[p.pos] == '(' {
		term, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}
	if len(terms) == 0 {
		return nil, fmt.Errorf("expected at least one filter at offset %d", p.pos)
	}
	return terms, nil
}

// parseSimple parses "attribute=value", "attribute=*", and
// substring forms, up to (but not consuming) the closing ')'.
func (p *parser) parseSimple() (Filter, error) {
	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] != '=' && p.input[p.pos] != ')' {
		p.pos++
	}
	if p.pos >= len(p.input) || p.input[p.pos] != '=' {
		return nil, fmt.Errorf("expected '=' at offset %d", p.pos)
	}
	attribute := p.input[start:p.pos]
	// "attr~=value" (approximate match) is evaluated as equality.
	attribute = strings.TrimSuffix(attribute, "~")
	if attribute == "" {
		return nil, fmt.Errorf("empty attribute name at offset %d", start)
	}
	p.pos++ // consume '='

	valueStart := p.pos
	for p.pos < len(p.input) && p.input[p.pos] != ')' {
		p.pos++
	}
	value := p.input[valueStart:p.pos]

	if value == "*" {
		return presenceFilter{attribute: attribute}, nil
	}
	if strings.Contains(value, "*") {
		return parseSubstring(attribute, value), nil
	}
	return equalityFilter{attribute: attribute, value: []byte(value)}, nil
}

func parseSubstring(attribute, value string) Filter {
	parts := strings.Split(value, "*")
	initial := parts[0]
	final := parts[len(parts)-1]
	var any []string
	if len(parts) > 2 {
		any = parts[1 : len(parts)-1]
	}
	return substringFilter{attribute: attribute, initial: initial, any: any, final: final}
}
