package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"taskhub/model"
	"taskhub/notify"
	"taskhub/store"

	"github.com/sirupsen/logrus"
)

// Dispatcher runs envelopes against the local task store.
type Dispatcher struct {
	store   *store.Store
	history notify.History
	log     *logrus.Entry
}

func NewDispatcher(s *store.Store, h notify.History, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{store: s, history: h, log: log}
}

type taskRef struct {
	TaskID string `json:"taskId"`
}

type updateData struct {
	TaskID string `json:"taskId"`
	model.TaskPatch
}

type notificationsQuery struct {
	Since uint64 `json:"since"`
	Limit int    `json:"limit"`
}

type CreateResult struct {
	TaskID  string     `json:"taskId"`
	Message string     `json:"message"`
	Task    model.Task `json:"task"`
}

type DeleteResult struct {
	TaskID  string `json:"taskId"`
	Message string `json:"message"`
}

func (d *Dispatcher) Handle(ctx context.Context, req Request) Response {
	data, err := d.dispatch(ctx, req)
	if err != nil {
		resp := FromError(err)
		if resp.Code == CodeInternal {
			d.log.WithError(err).WithField("action", req.Action).Error("command failed")
		}
		return resp
	}
	return Success(data)
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Action {
	case ActionCreateTask:
		var in model.TaskInput
		if err := decodeData(req.Data, &in); err != nil {
			return nil, err
		}
		t, err := d.store.Create(ctx, in)
		if err != nil {
			return nil, err
		}
		return CreateResult{TaskID: t.ID, Message: "Task created successfully", Task: t}, nil

	case ActionGetTasks:
		return d.store.List(ctx), nil

	case ActionGetTask:
		var ref taskRef
		if err := decodeRef(req.Data, &ref); err != nil {
			return nil, err
		}
		return d.store.Get(ctx, ref.TaskID)

	case ActionUpdateTask:
		var upd updateData
		if err := decodeData(req.Data, &upd); err != nil {
			return nil, err
		}
		if upd.TaskID == "" {
			return nil, badRequest("missing 'taskId' field")
		}
		return d.store.Update(ctx, upd.TaskID, upd.TaskPatch)

	case ActionDeleteTask:
		var ref taskRef
		if err := decodeRef(req.Data, &ref); err != nil {
			return nil, err
		}
		if err := d.store.Delete(ctx, ref.TaskID); err != nil {
			return nil, err
		}
		return DeleteResult{TaskID: ref.TaskID, Message: "Task deleted successfully"}, nil

	case ActionGetNotifications:
		var q notificationsQuery
		if len(bytes.TrimSpace(req.Data)) > 0 {
			if err := decodeData(req.Data, &q); err != nil {
				return nil, err
			}
		}
		if d.history == nil {
			return []model.Event{}, nil
		}
		return d.history.Recent(ctx, q.Since, q.Limit)

	case "":
		return nil, badRequest("missing 'action' field")
	default:
		return nil, badRequest(fmt.Sprintf("unknown action %q", req.Action))
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return badRequest("missing 'data' field")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return badRequest("malformed 'data' field")
	}
	return nil
}

func decodeRef(raw json.RawMessage, ref *taskRef) error {
	if err := decodeData(raw, ref); err != nil {
		return err
	}
	if ref.TaskID == "" {
		return badRequest("missing 'taskId' field")
	}
	return nil
}
