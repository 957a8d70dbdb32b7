package retrieval

import (
	"context"
	"errors"

	"medconsult/internal/tools"
	"medconsult/pkg"
)

// RecordsAdapter exposes the coordinator behind the uniform tool-adapter
// surface, so a failed retrieval is carried through the turn as a ToolResult
// like any other broken tool instead of aborting it.
type RecordsAdapter struct {
	Coordinator *Coordinator
}

func (a *RecordsAdapter) Name() pkg.ToolName { return pkg.ToolPatientRecords }

// Invoke retrieves patient context for the query. No indexed history yields
// a success with zero chunks.
func (a *RecordsAdapter) Invoke(ctx context.Context, p tools.Payload) pkg.ToolResult {
	if p.PatientID == "" {
		return pkg.Fail(a.Name(), pkg.ToolErrBadInput, "patient id is required")
	}

	chunks, err := a.Coordinator.Retrieve(ctx, p.PatientID, p.Query, p.TopK)
	if err != nil {
		kind := pkg.ToolErrUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			kind = pkg.ToolErrTimeout
		}
		return pkg.Fail(a.Name(), kind, err.Error())
	}
	return pkg.ToolResult{Tool: a.Name(), Records: &pkg.RecordsOutput{Chunks: chunks}}
}
