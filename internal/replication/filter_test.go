package replication

import (
	"reflect"
	"sort"
	"testing"
)

func filterMatches(include, exclude []string) []string {
	filter := BuildFilter(include, exclude)
	if filter == nil {
		return nil
	}
	matches := make([]string, 0, len(filter.Rules))
	for _, rule := range filter.Rules {
		matches = append(matches, rule.Match)
	}
	return matches
}

func TestBuildFilter_SetDifference(t *testing.T) {
	got := filterMatches([]string{"orders", "customers", "audit_log"}, []string{"audit_log"})
	want := []string{"orders", "customers"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("matches = %v, want %v", got, want)
	}
}

func TestBuildFilter_OrderIndependent(t *testing.T) {
	a := filterMatches([]string{"a", "b", "c"}, []string{"b"})
	b := filterMatches([]string{"c", "a", "b"}, []string{"b"})
	sort.Strings(a)
	sort.Strings(b)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("effective filter must be order independent: %v vs %v", a, b)
	}
}

func TestBuildFilter_StripsKeyspaceQualifier(t *testing.T) {
	got := filterMatches([]string{"commerce.orders"}, nil)
	if !reflect.DeepEqual(got, []string{"orders"}) {
		t.Fatalf("matches = %v, want [orders]", got)
	}
}

func TestBuildFilter_EmptyDifferenceIsUnfiltered(t *testing.T) {
	if filter := BuildFilter([]string{"orders"}, []string{"orders"}); filter != nil {
		t.Fatalf("expected unfiltered stream, got %v", filter)
	}
	if filter := BuildFilter(nil, []string{"orders"}); filter != nil {
		t.Fatalf("expected unfiltered stream, got %v", filter)
	}
	if filter := BuildFilter([]string{" ", ""}, nil); filter != nil {
		t.Fatalf("blank entries must not produce rules, got %v", filter)
	}
}

func TestBuildFilter_RuleShape(t *testing.T) {
	filter := BuildFilter([]string{"orders"}, nil)
	if filter == nil || len(filter.Rules) != 1 {
		t.Fatalf("expected one rule, got %v", filter)
	}
	rule := filter.Rules[0]
	if rule.Match != "orders" || rule.Filter != "select * from orders" {
		t.Fatalf("unexpected rule: %+v", rule)
	}
}
