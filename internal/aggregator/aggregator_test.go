// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

package aggregator

import (
	"context"
	"strings"
	"testing"

	"github.com/lieser/dkimverifier/internal/signrules"
	"github.com/lieser/dkimverifier/internal/verifier"
)

func TestAssembleNoSignatures(t *testing.T) {
	mv := Assemble(context.Background(), "joe@example.com", nil, -1, nil, nil)
	if mv.BestOutcome != verifier.OutcomeNone {
		t.Errorf("BestOutcome = %s", mv.BestOutcome)
	}
	if mv.DKIMResult.Value != "none" {
		t.Errorf("DKIMResult = %+v", mv.DKIMResult)
	}
}

func TestAssembleFlagsShouldHaveBeenSigned(t *testing.T) {
	rules, err := signrules.Load(strings.NewReader("rule @example.com {\n verdict should-be-signed\n}\n"), "test")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	verdicts := []verifier.SignatureVerdict{{Outcome: verifier.OutcomePermFail, Domain: "example.com"}}
	mv := Assemble(context.Background(), "joe@example.com", verdicts, 0, rules, nil)
	if !mv.ShouldHaveBeenSignedButWasnt {
		t.Error("expected ShouldHaveBeenSignedButWasnt to be true")
	}
}

func TestAssembleFlagsWrongSdid(t *testing.T) {
	rules, err := signrules.Load(strings.NewReader(
		"rule @victim.com {\n verdict should-be-signed\n sdid victim.com\n}\n"), "test")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// A fully valid signature, but from the wrong (attacker-controlled)
	// signing domain, must not satisfy a rule pinned to victim.com.
	verdicts := []verifier.SignatureVerdict{{Outcome: verifier.OutcomeSuccess, Domain: "evil.com"}}
	mv := Assemble(context.Background(), "joe@victim.com", verdicts, 0, rules, nil)
	if !mv.ShouldHaveBeenSignedButWasnt {
		t.Error("expected ShouldHaveBeenSignedButWasnt to be true for a valid signature from the wrong SDID")
	}

	// The matching SDID does satisfy the rule.
	verdicts = []verifier.SignatureVerdict{{Outcome: verifier.OutcomeSuccess, Domain: "victim.com"}}
	mv = Assemble(context.Background(), "joe@victim.com", verdicts, 0, rules, nil)
	if mv.ShouldHaveBeenSignedButWasnt {
		t.Error("expected ShouldHaveBeenSignedButWasnt to be false when the required SDID signs successfully")
	}
}

func TestPersistSkipsTempFail(t *testing.T) {
	store, err := Open("file:aggregator_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	mv := MessageVerdict{From: "joe@example.com", BestOutcome: verifier.OutcomeTempFail}
	if err := store.Persist(mv); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	var count int
	if err := store.db.QueryRow("SELECT COUNT(*) FROM verdicts").Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 persisted rows for TempFail, got %d", count)
	}
}
