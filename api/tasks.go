package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"taskhub/command"
)

func (s *Server) postCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBytes))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := command.Decode(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResponse(w, s.Commands.Handle(r.Context(), req))
}

func (s *Server) getNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var query struct {
		Since uint64 `json:"since,omitempty"`
		Limit int    `json:"limit,omitempty"`
	}
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeResponse(w, command.Failure(command.CodeBadRequest, "invalid 'since' parameter"))
			return
		}
		query.Since = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeResponse(w, command.Failure(command.CodeBadRequest, "invalid 'limit' parameter"))
			return
		}
		query.Limit = n
	}
	data, _ := json.Marshal(query)
	s.run(w, r, command.ActionGetNotifications, data)
}

// REST routes are thin shims over the same envelope actions.

func (s *Server) getTasks(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, command.ActionGetTasks, nil)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, command.ActionGetTask, taskRef(r))
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, command.ActionDeleteTask, taskRef(r))
}

func (s *Server) postTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBytes))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := s.Commands.Handle(r.Context(), command.Request{Action: command.ActionCreateTask, Data: body})
	if resp.OK() {
		writeJSON(w, http.StatusCreated, resp)
		return
	}
	writeResponse(w, resp)
}

func (s *Server) patchTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBytes))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		writeResponse(w, command.Failure(command.CodeBadRequest, "malformed request body"))
		return
	}
	fields["taskId"], _ = json.Marshal(r.PathValue("id"))
	data, _ := json.Marshal(fields)
	s.run(w, r, command.ActionUpdateTask, data)
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, action string, data json.RawMessage) {
	writeResponse(w, s.Commands.Handle(r.Context(), command.Request{Action: action, Data: data}))
}

func taskRef(r *http.Request) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"taskId": r.PathValue("id")})
	return b
}
