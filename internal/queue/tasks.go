package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeExpireArtifacts = "artifact:expire"

// ExpireArtifactsPayload names the files of one pipeline run that should be
// removed, together with every reference pointing at them.
type ExpireArtifactsPayload struct {
	RequestID   string    `json:"request_id"`
	Paths       []string  `json:"paths"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewExpireArtifactsTask(payload ExpireArtifactsPayload) (*asynq.Task, error) {
	if len(payload.Paths) == 0 {
		return nil, errors.New("expire payload has no paths")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal expire payload: %w", err)
	}
	return asynq.NewTask(TypeExpireArtifacts, body), nil
}

func ParseExpireArtifactsPayload(task *asynq.Task) (ExpireArtifactsPayload, error) {
	var payload ExpireArtifactsPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ExpireArtifactsPayload{}, fmt.Errorf("unmarshal expire payload: %w", err)
	}
	if len(payload.Paths) == 0 {
		return ExpireArtifactsPayload{}, errors.New("expire payload has no paths")
	}
	return payload, nil
}
