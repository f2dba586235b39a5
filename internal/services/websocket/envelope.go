package websocket

import (
	"encoding/json"
	"errors"
	"fmt"

	"cronmesh/internal/models"
)

// Message types exchanged on the push channel.
const (
	TypeRegister = "register"
	TypeRunJob   = "run_job"
	TypePing     = "ping"
	TypePong     = "pong"
)

var (
	ErrAgentUnreachable = errors.New("agent not connected")
	ErrMalformedMessage = errors.New("malformed message")
)

type Envelope struct {
	Type    string                `json:"type"`
	AgentID uint                  `json:"agentId,omitempty"`
	Job     *models.DispatchedJob `json:"job,omitempty"`
}

// ParseEnvelope decodes one inbound message.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch env.Type {
	case "":
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	case TypeRegister, TypePong:
		if env.AgentID == 0 {
			return Envelope{}, fmt.Errorf("%w: %s without agentId", ErrMalformedMessage, env.Type)
		}
	case TypeRunJob:
		if env.Job == nil {
			return Envelope{}, fmt.Errorf("%w: run_job without job", ErrMalformedMessage)
		}
	}
	return env, nil
}
