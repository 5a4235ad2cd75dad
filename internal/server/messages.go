package server

import (
	"google.golang.org/protobuf/types/known/structpb"
)

// AskRequest carries one user question. The tenant comes from the caller's
// credentials, never from the request.
type AskRequest struct {
	Question       string
	ConversationID string
}

// AskResponse is the assistant's reply to one question.
type AskResponse struct {
	RequestID string
	ThreadID  string
	Status    string
	Text      string
	Rounds    int
	Reason    string
}

// ValidateRequest asks whether SQL would be authorized for the caller.
type ValidateRequest struct {
	SQL string
}

// ValidateResponse is a verdict. Kind, Identifier and Message are empty when
// Authorized is true.
type ValidateResponse struct {
	Authorized bool
	Kind       string
	Identifier string
	Message    string
}

func (r AskRequest) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"question":        r.Question,
		"conversation_id": r.ConversationID,
	})
}

func askRequestFromStruct(s *structpb.Struct) AskRequest {
	return AskRequest{
		Question:       stringField(s, "question"),
		ConversationID: stringField(s, "conversation_id"),
	}
}

func (r AskResponse) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"request_id": r.RequestID,
		"thread_id":  r.ThreadID,
		"status":     r.Status,
		"text":       r.Text,
		"rounds":     r.Rounds,
		"reason":     r.Reason,
	})
}

func askResponseFromStruct(s *structpb.Struct) AskResponse {
	return AskResponse{
		RequestID: stringField(s, "request_id"),
		ThreadID:  stringField(s, "thread_id"),
		Status:    stringField(s, "status"),
		Text:      stringField(s, "text"),
		Rounds:    int(s.GetFields()["rounds"].GetNumberValue()),
		Reason:    stringField(s, "reason"),
	}
}

func (r ValidateRequest) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"sql": r.SQL})
}

func validateRequestFromStruct(s *structpb.Struct) ValidateRequest {
	return ValidateRequest{SQL: stringField(s, "sql")}
}

func (r ValidateResponse) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"authorized": r.Authorized,
		"kind":       r.Kind,
		"identifier": r.Identifier,
		"message":    r.Message,
	})
}

func validateResponseFromStruct(s *structpb.Struct) ValidateResponse {
	return ValidateResponse{
		Authorized: s.GetFields()["authorized"].GetBoolValue(),
		Kind:       stringField(s, "kind"),
		Identifier: stringField(s, "identifier"),
		Message:    stringField(s, "message"),
	}
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}
