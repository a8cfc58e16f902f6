package main

import "testing"

func TestParseMemberships(t *testing.T) {
	orgs, err := parseMemberships([]string{"org1=editor", "org2", " org3 = admin "})
	if err != nil {
		t.Fatalf("parseMemberships() error = %v", err)
	}
	want := map[string]string{"org1": "editor", "org2": "viewer", "org3": "admin"}
	if len(orgs) != len(want) {
		t.Fatalf("orgs = %v, want %v", orgs, want)
	}
	for org, role := range want {
		if orgs[org] != role {
			t.Fatalf("orgs[%q] = %q, want %q", org, orgs[org], role)
		}
	}

	for _, bad := range [][]string{{"=editor"}, {"org1=owner"}} {
		if _, err := parseMemberships(bad); err == nil {
			t.Fatalf("parseMemberships(%v) expected error", bad)
		}
	}
}
