package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskUndelivered is the queue task type for recording an undelivered
// message notification.
const TaskUndelivered = "notify:undelivered"

// queue name consumed by the embedded worker
const Queue = "notifications"

type undeliveredPayload struct {
	TargetUser     string `json:"targetUser"`
	ConversationID string `json:"conversationId"`
	From           string `json:"from"`
	Preview        string `json:"preview"`
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Fanout is the coordinator-facing side of the notification subsystem.
// Recording goes through the task queue so a slow redis write never sits
// on the message delivery path; clearing is synchronous because the
// reader is waiting for their badge to go away.
type Fanout struct {
	client enqueuer
	store  Recorder
}

// NewFanout wires a Fanout with the asynq client and the record store.
func NewFanout(client *asynq.Client, store Recorder) *Fanout {
	return &Fanout{client: client, store: store}
}

// NotifyUndelivered enqueues a task that will upsert the pending record.
func (f *Fanout) NotifyUndelivered(ctx context.Context, targetUser, conversationID, senderID, preview string) error {
	payload, err := json.Marshal(undeliveredPayload{
		TargetUser:     targetUser,
		ConversationID: conversationID,
		From:           senderID,
		Preview:        preview,
	})
	if err != nil {
		return fmt.Errorf("notify: marshal task payload: %w", err)
	}

	task := asynq.NewTask(TaskUndelivered, payload)
	_, err = f.client.EnqueueContext(ctx, task,
		asynq.Queue(Queue),
		asynq.MaxRetry(5),
		asynq.Timeout(10*time.Second),
	)
	if err != nil {
		return fmt.Errorf("notify: enqueue undelivered task: %w", err)
	}
	return nil
}

// ClearUndelivered drops the pending record for the conversation.
func (f *Fanout) ClearUndelivered(ctx context.Context, targetUser, conversationID string) error {
	return f.store.Clear(ctx, targetUser, conversationID)
}

// RegisterHandlers binds the notification task handlers on the worker mux.
func RegisterHandlers(mux *asynq.ServeMux, store Recorder) {
	mux.HandleFunc(TaskUndelivered, func(ctx context.Context, t *asynq.Task) error {
		var p undeliveredPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			// malformed payload: retrying will not help
			return fmt.Errorf("notify: decode task payload: %v: %w", err, asynq.SkipRetry)
		}
		return store.RecordUndelivered(ctx, p.TargetUser, p.ConversationID, p.From, p.Preview)
	})
}
