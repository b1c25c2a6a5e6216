package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-errors/errors"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/lijl44/stdOpneBMCWeb/messages"
	"github.com/lijl44/stdOpneBMCWeb/task"
)

const taskType = "#Task.v1_4_3.Task"

const redfishTime = "2006-01-02T15:04:05+00:00"

const (
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = 54 * time.Second
)

func taskID(s *task.Snapshot) string {
	return strconv.FormatUint(s.ID, 10)
}

type taskResponse struct {
	ODataID         string             `json:"@odata.id"`
	ODataType       string             `json:"@odata.type"`
	ID              string             `json:"Id"`
	Name            string             `json:"Name"`
	TaskState       task.State         `json:"TaskState"`
	TaskStatus      task.Status        `json:"TaskStatus"`
	StartTime       string             `json:"StartTime"`
	EndTime         string             `json:"EndTime,omitempty"`
	PercentComplete uint8              `json:"PercentComplete"`
	Messages        []messages.Message `json:"Messages"`
	TaskMonitor     string             `json:"TaskMonitor"`
	HidePayload     bool               `json:"HidePayload"`
	Payload         *task.Payload      `json:"Payload,omitempty"`
}

func newTaskResponse(s *task.Snapshot) *taskResponse {
	id := taskID(s)

	res := &taskResponse{
		ODataID:         tasksURI + "/" + id,
		ODataType:       taskType,
		ID:              id,
		Name:            "Task " + id,
		TaskState:       s.State,
		TaskStatus:      s.Status,
		StartTime:       s.StartTime.UTC().Format(redfishTime),
		PercentComplete: s.PercentComplete,
		Messages:        s.Messages,
		TaskMonitor:     tasksURI + "/" + id + "/Monitor",
		HidePayload:     s.Payload == nil,
		Payload:         s.Payload,
	}

	if res.Messages == nil {
		res.Messages = []messages.Message{}
	}

	if s.Terminal() && !s.EndTime.IsZero() {
		res.EndTime = s.EndTime.UTC().Format(redfishTime)
	}

	return res
}

type taskServiceResponse struct {
	ODataID                         string  `json:"@odata.id"`
	ODataType                       string  `json:"@odata.type"`
	ID                              string  `json:"Id"`
	Name                            string  `json:"Name"`
	ServiceEnabled                  bool    `json:"ServiceEnabled"`
	CompletedTaskOverWritePolicy    string  `json:"CompletedTaskOverWritePolicy"`
	LifeCycleEventOnTaskStateChange bool    `json:"LifeCycleEventOnTaskStateChange"`
	Tasks                           odataID `json:"Tasks"`
}

func (a *Api) handleGetTaskService() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.jsonResponse(w, &taskServiceResponse{
			ODataID:                         taskServiceURI,
			ODataType:                       "#TaskService.v1_1_4.TaskService",
			ID:                              "TaskService",
			Name:                            "Task Service",
			ServiceEnabled:                  true,
			CompletedTaskOverWritePolicy:    "Oldest",
			LifeCycleEventOnTaskStateChange: true,
			Tasks:                           odataID{ID: tasksURI},
		}, http.StatusOK)
	}
}

type collectionResponse struct {
	ODataID      string    `json:"@odata.id"`
	ODataType    string    `json:"@odata.type"`
	Name         string    `json:"Name"`
	Members      []odataID `json:"Members"`
	MembersCount int       `json:"Members@odata.count"`
}

func (a *Api) handleGetTasks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshots, err := a.ledger.Snapshots(r.Context())
		if err != nil {
			a.log.Errorf("Could not list tasks: %v", err)
			a.jsonError(w, messages.InternalError())
			return
		}

		res := &collectionResponse{
			ODataID:   tasksURI,
			ODataType: "#TaskCollection.TaskCollection",
			Name:      "Task Collection",
			Members:   make([]odataID, 0, len(snapshots)),
		}

		for _, s := range snapshots {
			res.Members = append(res.Members, odataID{ID: tasksURI + "/" + taskID(s)})
		}
		res.MembersCount = len(res.Members)

		a.jsonResponse(w, res, http.StatusOK)
	}
}

// requestedTask parses the id route variable. Ids that do not fit are
// treated like unknown ones.
func requestedTask(r *http.Request) (uint64, string, bool) {
	raw := mux.Vars(r)["id"]

	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, raw, false
	}

	return id, raw, true
}

// taskError answers a failed ledger lookup.
func (a *Api) taskError(w http.ResponseWriter, raw string, err error) {
	if errors.Is(err, task.ErrNotFound) {
		a.jsonError(w, messages.ResourceNotFound("Task", raw))
		return
	}

	a.log.Errorf("Could not look up task %v: %v", raw, err)
	a.jsonError(w, messages.InternalError())
}

func (a *Api) handleGetTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, raw, ok := requestedTask(r)
		if !ok {
			a.taskError(w, raw, task.ErrNotFound)
			return
		}

		s, err := a.ledger.Snapshot(r.Context(), id)
		if err != nil {
			a.taskError(w, raw, err)
			return
		}

		a.jsonResponse(w, newTaskResponse(s), http.StatusOK)
	}
}

func (a *Api) handleDeleteTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, raw, ok := requestedTask(r)
		if !ok {
			a.taskError(w, raw, task.ErrNotFound)
			return
		}

		s, err := a.ledger.Cancel(r.Context(), id)
		if err != nil {
			a.taskError(w, raw, err)
			return
		}

		a.jsonResponse(w, newTaskResponse(s), http.StatusOK)
	}
}

// handleGetTaskMonitor answers 202 while the task runs, 204 once after it
// finished and 404 afterwards.
func (a *Api) handleGetTaskMonitor() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, raw, ok := requestedTask(r)
		if !ok {
			a.taskError(w, raw, task.ErrNotFound)
			return
		}

		s, err := a.ledger.Monitor(r.Context(), id)
		if err != nil {
			a.taskError(w, raw, err)
			return
		}

		if s.Terminal() {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		w.Header().Set("Location", tasksURI+"/"+raw+"/Monitor")
		a.jsonResponse(w, newTaskResponse(s), http.StatusAccepted)
	}
}

// handleGetTaskEvents streams every state change of a task over a
// websocket until the task finished.
func (a *Api) handleGetTaskEvents() http.HandlerFunc {
	upgrader := &websocket.Upgrader{}

	return func(w http.ResponseWriter, r *http.Request) {
		id, raw, ok := requestedTask(r)
		if !ok {
			a.taskError(w, raw, task.ErrNotFound)
			return
		}

		client, err := a.ledger.Subscribe(r.Context(), id)
		if err != nil {
			a.taskError(w, raw, err)
			return
		}

		defer client.Cancel()

		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// the upgrader already responded
			a.log.Errorf("Could not upgrade task %v events: %v", raw, err)
			return
		}

		defer c.Close()

		gone := make(chan struct{})

		// read pump
		go func() {
			defer close(gone)

			c.SetReadLimit(512)
			c.SetReadDeadline(time.Now().Add(eventPongWait))
			c.SetPongHandler(func(string) error {
				c.SetReadDeadline(time.Now().Add(eventPongWait))
				return nil
			})

			for {
				_, _, err := c.ReadMessage()
				if err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
						a.log.Errorf("unexpected websocket closure: %v", err)
					}
					break
				}
			}
		}()

		// write pump
		ticker := time.NewTicker(eventPingPeriod)
		defer ticker.Stop()

		for {
			select {
			case s, ok := <-client.Updates:
				c.SetWriteDeadline(time.Now().Add(eventWriteWait))

				if !ok {
					c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}

				if err := c.WriteJSON(newTaskResponse(s)); err != nil {
					return
				}

			case <-ticker.C:
				c.SetWriteDeadline(time.Now().Add(eventWriteWait))
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}

			case <-gone:
				return

			case <-a.done:
				c.SetWriteDeadline(time.Now().Add(eventWriteWait))
				c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
		}
	}
}
