package permission

import "testing"

func TestRuleForDefaultsToAskBefore(t *testing.T) {
	m := NewManager()
	if got := m.RuleFor("s1", "dev__shell"); got != AskBefore {
		t.Fatalf("expected AskBefore default, got %s", got)
	}
}

func TestApplyAlwaysAllowPersists(t *testing.T) {
	m := NewManager()
	if dispatch := m.Apply("s1", "dev__shell", AlwaysAllow); !dispatch {
		t.Fatal("expected dispatch=true for AlwaysAllow")
	}
	if got := m.RuleFor("s1", "dev__shell"); got != AllowedList {
		t.Fatalf("expected rule to persist as AllowedList, got %s", got)
	}
	// Second call should be a no-op confirmation (already allowed) but
	// re-applying must not change anything.
	if dispatch := m.Apply("s1", "dev__shell", AllowOnce); !dispatch {
		t.Fatal("expected dispatch=true for AllowOnce")
	}
}

func TestApplyAlwaysDenyPersists(t *testing.T) {
	m := NewManager()
	if dispatch := m.Apply("s1", "dev__rm", AlwaysDeny); dispatch {
		t.Fatal("expected dispatch=false for AlwaysDeny")
	}
	if got := m.RuleFor("s1", "dev__rm"); got != DeniedList {
		t.Fatalf("expected rule to persist as DeniedList, got %s", got)
	}
}

func TestApplyCancelNeverDispatches(t *testing.T) {
	m := NewManager()
	if dispatch := m.Apply("s1", "dev__rm", Cancel); dispatch {
		t.Fatal("expected dispatch=false for Cancel")
	}
	// Cancel must not persist a rule.
	if got := m.RuleFor("s1", "dev__rm"); got != AskBefore {
		t.Fatalf("expected no persisted rule after Cancel, got %s", got)
	}
}

func TestRulesAreScopedPerSession(t *testing.T) {
	m := NewManager()
	m.SetRule("s1", "dev__shell", AllowedList)
	if got := m.RuleFor("s2", "dev__shell"); got != AskBefore {
		t.Fatalf("expected session s2 to be unaffected by s1's rule, got %s", got)
	}
}

func TestSnapshotAndLoadRoundTrip(t *testing.T) {
	m := NewManager()
	m.SetRule("s1", "dev__shell", AllowedList)
	m.SetRule("s1", "dev__rm", DeniedList)

	snap := m.Snapshot("s1")
	encoded, err := EncodeRules(snap)
	if err != nil {
		t.Fatalf("EncodeRules: %v", err)
	}

	decoded, err := DecodeRules(encoded)
	if err != nil {
		t.Fatalf("DecodeRules: %v", err)
	}

	m2 := NewManager()
	m2.Load("s9", decoded)
	if got := m2.RuleFor("s9", "dev__shell"); got != AllowedList {
		t.Fatalf("expected AllowedList after round trip, got %s", got)
	}
	if got := m2.RuleFor("s9", "dev__rm"); got != DeniedList {
		t.Fatalf("expected DeniedList after round trip, got %s", got)
	}
}

func TestEncodeEmptyRulesIsNil(t *testing.T) {
	data, err := EncodeRules(nil)
	if err != nil {
		t.Fatalf("EncodeRules: %v", err)
	}
	if data != nil {
		t.Fatalf("expected nil encoding for empty rule set, got %q", data)
	}
}
