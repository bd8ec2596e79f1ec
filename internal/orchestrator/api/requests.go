package api

// SendMessageRequest is the body for POST /session/messages.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SetWorkingDirRequest is the body for PUT /session/workdir.
type SetWorkingDirRequest struct {
	Path string `json:"path"`
}

// RespondApprovalRequest is the body for POST /session/approvals/respond.
type RespondApprovalRequest struct {
	ID       string `json:"id"`
	Approved *bool  `json:"approved"`
}

// SaveCommandRequest is the body for POST /commands.
type SaveCommandRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Body        string `json:"body"`
}

// RunCommandRequest is the body for POST /commands/:name/run.
type RunCommandRequest struct {
	Arguments string `json:"arguments"`
}
