package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/agentorch/persistence"
	"github.com/BaSui01/agentorch/types"
)

// EncodeRecord 将工作流编码为持久化记录，索引列与 State 保持一致
func EncodeRecord(wf *Workflow) (*persistence.WorkflowRecord, error) {
	data, err := json.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("encode workflow %s: %w", wf.ID, err)
	}
	rec := &persistence.WorkflowRecord{
		ID:               wf.ID,
		Name:             wf.Name,
		Template:         wf.Template,
		UserID:           wf.UserID,
		Status:           string(wf.Status),
		CurrentStepIndex: wf.CurrentStepIndex,
		State:            string(data),
		CreatedAt:        wf.CreatedAt,
		UpdatedAt:        wf.UpdatedAt,
	}
	if wf.CompletedAt != nil {
		t := *wf.CompletedAt
		rec.CompletedAt = &t
	}
	return rec, nil
}

// Rehydrate 由持久化记录与模板序列重建工作流。纯函数，不访问任何存储。
// sequence 为空时使用记录中保存的序列；记录的索引列优先于 State 中的同名字段。
func Rehydrate(rec *persistence.WorkflowRecord, sequence []Step) (*Workflow, error) {
	if rec == nil {
		return nil, types.NewValidationError("nil workflow record")
	}
	wf := &Workflow{}
	if rec.State != "" {
		if err := json.Unmarshal([]byte(rec.State), wf); err != nil {
			return nil, types.NewValidationError("workflow %s: corrupt state", rec.ID).WithCause(err)
		}
	}

	wf.ID = rec.ID
	wf.Name = rec.Name
	wf.Template = rec.Template
	wf.UserID = rec.UserID
	wf.Status = Status(rec.Status)
	wf.CurrentStepIndex = rec.CurrentStepIndex
	wf.CreatedAt = rec.CreatedAt
	wf.UpdatedAt = rec.UpdatedAt
	wf.CompletedAt = nil
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		wf.CompletedAt = &t
	}

	if len(sequence) > 0 {
		wf.Sequence = make([]Step, len(sequence))
		for i, s := range sequence {
			s.Order = i
			wf.Sequence[i] = s
		}
	}
	if len(wf.Sequence) == 0 {
		return nil, types.NewValidationError("workflow %s has no sequence", rec.ID)
	}
	if _, known := validTransitions[wf.Status]; !known && !wf.Status.IsTerminal() {
		return nil, types.NewValidationError("workflow %s has unknown status %q", rec.ID, rec.Status)
	}
	if wf.CurrentStepIndex < 0 || wf.CurrentStepIndex > len(wf.Sequence) {
		return nil, types.NewValidationError("workflow %s: step index %d out of range [0, %d]",
			rec.ID, wf.CurrentStepIndex, len(wf.Sequence))
	}
	if wf.Status != StatusPausedForElicitation {
		wf.ElicitationPending = nil
	}
	if wf.Artifacts == nil {
		wf.Artifacts = []Artifact{}
	}
	if wf.Messages == nil {
		wf.Messages = []Message{}
	}
	if wf.Errors == nil {
		wf.Errors = []ErrorEntry{}
	}
	return wf, nil
}
