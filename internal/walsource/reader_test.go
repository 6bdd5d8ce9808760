package walsource

import "testing"

func TestIdentifierPatternRejectsInjectionAttempts(t *testing.T) {
	bad := []string{"issues; drop table users", "issues\"", "", "1issues", "issues--", "issues.other"}
	for _, name := range bad {
		if identifierPattern.MatchString(name) {
			t.Errorf("expected %q to be rejected as a table identifier", name)
		}
	}
}

func TestIdentifierPatternAcceptsOrdinaryNames(t *testing.T) {
	good := []string{"issues", "Issues", "_internal", "issue_comments2"}
	for _, name := range good {
		if !identifierPattern.MatchString(name) {
			t.Errorf("expected %q to be accepted as a table identifier", name)
		}
	}
}
