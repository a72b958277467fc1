package orchestrator

// MessageType identifies a control request.
type MessageType string

const (
	MsgTriggerManualRefresh MessageType = "TRIGGER_MANUAL_REFRESH"
	MsgRefreshItem          MessageType = "REFRESH_ITEM"
	MsgRescheduleAlarm      MessageType = "RESCHEDULE_ALARM"
	MsgClearRefreshErrors   MessageType = "CLEAR_REFRESH_ERRORS"
	MsgCheckAuth            MessageType = "CHECK_AUTH"
	MsgTrySilentLogin       MessageType = "TRY_SILENT_LOGIN"
	MsgInitializeAlarm      MessageType = "INITIALIZE_ALARM"
	MsgInteractiveLogin     MessageType = "INTERACTIVE_LOGIN"
	MsgLogout               MessageType = "LOGOUT"
	MsgDisconnect           MessageType = "DISCONNECT"
)

// Message is one control request to the router.
type Message struct {
	Type MessageType `json:"type"`

	// Minutes overrides the refresh interval for RESCHEDULE_ALARM; when
	// absent the current settings interval is used.
	Minutes *int `json:"minutes,omitempty"`

	// ItemID selects the listing for REFRESH_ITEM.
	ItemID string `json:"itemId,omitempty"`
}

// Response is the router's reply. Unknown message types come back with
// Handled false and nothing else, so new message kinds stay
// forward-compatible.
type Response struct {
	Handled bool   `json:"handled"`
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

func handledResponse() Response {
	return Response{Handled: true}
}

func successResponse(ok bool) Response {
	return Response{Handled: true, Success: &ok}
}

func errorResponse(err error) Response {
	return Response{Handled: true, Error: err.Error()}
}
