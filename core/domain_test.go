package core

import (
	"errors"
	"testing"
	"time"
)

func TestIssuanceTransitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		from    IssuanceStatus
		to      IssuanceStatus
		allowed bool
	}{
		{IssuanceStatusPending, IssuanceStatusRetrying, true},
		{IssuanceStatusPending, IssuanceStatusIssued, true},
		{IssuanceStatusPending, IssuanceStatusFailed, true},
		{IssuanceStatusRetrying, IssuanceStatusRetrying, true},
		{IssuanceStatusRetrying, IssuanceStatusIssued, true},
		{IssuanceStatusRetrying, IssuanceStatusFailed, true},
		{IssuanceStatusRetrying, IssuanceStatusPending, false},
		{IssuanceStatusIssued, IssuanceStatusFailed, false},
		{IssuanceStatusIssued, IssuanceStatusRetrying, false},
		{IssuanceStatusFailed, IssuanceStatusRetrying, false},
		{IssuanceStatusFailed, IssuanceStatusPending, false},
	}
	for _, tc := range cases {
		issuance := Issuance{Status: tc.from}
		err := issuance.TransitionTo(tc.to, now)
		if tc.allowed {
			if err != nil {
				t.Fatalf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
			}
			if issuance.Status != tc.to || !issuance.UpdatedAt.Equal(now) {
				t.Fatalf("%s -> %s: status not applied", tc.from, tc.to)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidIssuanceStatusTransition) {
			t.Fatalf("%s -> %s: expected invalid transition, got %v", tc.from, tc.to, err)
		}
		if issuance.Status != tc.from {
			t.Fatalf("%s -> %s: status changed on rejected transition", tc.from, tc.to)
		}
	}
}

func TestIssuanceStatusClassification(t *testing.T) {
	if !IssuanceStatusIssued.Terminal() || !IssuanceStatusFailed.Terminal() || IssuanceStatusRetrying.Terminal() {
		t.Fatalf("unexpected terminal classification")
	}
	if IssuanceStatusFailed.Blocking() || !IssuanceStatusIssued.Blocking() || !IssuanceStatusPending.Blocking() {
		t.Fatalf("unexpected blocking classification")
	}
	if IssuanceStatus("archived").Valid() {
		t.Fatalf("expected unknown status to be invalid")
	}
}

func TestIssuanceAcceptGradeKeepsStoredValue(t *testing.T) {
	grade := 75.0
	issuance := Issuance{Grade: &grade}
	issuance.AcceptGrade(nil)
	if issuance.Grade == nil || *issuance.Grade != 75 {
		t.Fatalf("expected nil grade to leave stored grade untouched")
	}
	next := 80.0
	issuance.AcceptGrade(&next)
	next = 1
	if *issuance.Grade != 80 {
		t.Fatalf("expected accepted grade to be copied, got %v", *issuance.Grade)
	}
}

func TestIssuanceClone(t *testing.T) {
	tenant := "tenant-1"
	issuance := Issuance{TenantID: &tenant}
	clone := issuance.Clone()
	*clone.TenantID = "tenant-2"
	if *issuance.TenantID != "tenant-1" {
		t.Fatalf("expected clone to own its tenant pointer")
	}
}

func TestTaskIdentityAndPayload(t *testing.T) {
	first := IssuanceTaskIdentity("iss-1")
	if first != IssuanceTaskIdentity(" iss-1 ") {
		t.Fatalf("expected identity stable across whitespace")
	}
	if first == IssuanceTaskIdentity("iss-2") {
		t.Fatalf("expected distinct identities per issuance")
	}
	if len(first.Key) != 32 || first.Executor != ExecutorIssueCredential || first.TaskType != TaskTypeIssueCredential {
		t.Fatalf("unexpected identity %+v", first)
	}

	tenant := "tenant-1"
	payload := IssuanceTaskPayload(Issuance{ID: "iss-1", TenantID: &tenant})
	decoded := TaskPayloadFromParameters(payload.Parameters())
	if decoded.IssuanceID != "iss-1" || decoded.TenantID == nil || *decoded.TenantID != "tenant-1" {
		t.Fatalf("unexpected decoded payload %+v", decoded)
	}
	if global := TaskPayloadFromParameters(TaskPayload{IssuanceID: "iss-2"}.Parameters()); global.TenantID != nil {
		t.Fatalf("expected nil tenant for global payload")
	}
}

func TestCompletionEventValidate(t *testing.T) {
	if err := (CompletionEvent{LearnerID: "l", CourseID: "c", CompletedAt: time.Now()}).Validate(); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
	if err := (CompletionEvent{LearnerID: "l", CompletedAt: time.Now()}).Validate(); err == nil {
		t.Fatalf("expected missing course error")
	}
}

func TestSameTenant(t *testing.T) {
	a, b := "t", " t "
	if !SameTenant(nil, nil) || !SameTenant(&a, &b) || SameTenant(&a, nil) {
		t.Fatalf("unexpected tenant comparison")
	}
}
