package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	TaskTypeIssueCredential     = "issuance.issue_credential"
	ExecutorIssueCredential     = "go-issuance/issue-credential"
	PayloadKeyIssuanceID        = "issuance_id"
	PayloadKeyTenantID          = "tenant_id"
	taskIdentityKeyPrefixLength = 32
)

// IssuanceTaskIdentity is the single constructor of the unit-of-work identity
// for an issuance. It depends on the issuance id only.
func IssuanceTaskIdentity(issuanceID string) TaskIdentity {
	issuanceID = strings.TrimSpace(issuanceID)
	sum := sha256.Sum256([]byte(TaskTypeIssueCredential + "|" + ExecutorIssueCredential + "|" + issuanceID))
	return TaskIdentity{
		TaskType: TaskTypeIssueCredential,
		Executor: ExecutorIssueCredential,
		Key:      hex.EncodeToString(sum[:])[:taskIdentityKeyPrefixLength],
	}
}

func IssuanceTaskPayload(issuance Issuance) TaskPayload {
	payload := TaskPayload{IssuanceID: strings.TrimSpace(issuance.ID)}
	if issuance.TenantID != nil {
		tenant := *issuance.TenantID
		payload.TenantID = &tenant
	}
	return payload
}

// Parameters renders the payload in the shape stored with every queued task.
func (p TaskPayload) Parameters() map[string]any {
	params := map[string]any{
		PayloadKeyIssuanceID: strings.TrimSpace(p.IssuanceID),
		PayloadKeyTenantID:   nil,
	}
	if p.TenantID != nil {
		params[PayloadKeyTenantID] = *p.TenantID
	}
	return params
}

// TaskPayloadFromParameters is the inverse of TaskPayload.Parameters.
func TaskPayloadFromParameters(params map[string]any) TaskPayload {
	payload := TaskPayload{}
	if raw, ok := params[PayloadKeyIssuanceID].(string); ok {
		payload.IssuanceID = strings.TrimSpace(raw)
	}
	if raw, ok := params[PayloadKeyTenantID].(string); ok {
		tenant := raw
		payload.TenantID = &tenant
	}
	return payload
}
