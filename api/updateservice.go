package api

import (
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-errors/errors"
	"github.com/lijl44/stdOpneBMCWeb/messages"
	"github.com/lijl44/stdOpneBMCWeb/task"
	"github.com/lijl44/stdOpneBMCWeb/updater"
)

// the only target images can be pushed to
const managerTarget = "/redfish/v1/Managers/bmc"

// parts of a multipart form beyond this size are spooled to disk
const multipartMemory = 1 << 20

type applyTimeOption struct {
	ApplyTime string `json:"ApplyTime,omitempty"`
}

type pushURIOptions struct {
	HttpPushUriApplyTime *applyTimeOption `json:"HttpPushUriApplyTime,omitempty"`
}

type simpleUpdateAction struct {
	Target                     string   `json:"target"`
	TransferProtocolAllowables []string `json:"TransferProtocol@Redfish.AllowableValues"`
}

type updateServiceActions struct {
	SimpleUpdate *simpleUpdateAction `json:"#UpdateService.SimpleUpdate,omitempty"`
}

type updateServiceResponse struct {
	ODataType            string                `json:"@odata.type"`
	ODataID              string                `json:"@odata.id"`
	ID                   string                `json:"Id"`
	Description          string                `json:"Description"`
	Name                 string                `json:"Name"`
	HttpPushUri          string                `json:"HttpPushUri"`
	MultipartHttpPushUri string                `json:"MultipartHttpPushUri"`
	ServiceEnabled       bool                  `json:"ServiceEnabled"`
	MaxImageSizeBytes    int64                 `json:"MaxImageSizeBytes"`
	FirmwareInventory    odataID               `json:"FirmwareInventory"`
	HttpPushUriOptions   *pushURIOptions       `json:"HttpPushUriOptions,omitempty"`
	Actions              *updateServiceActions `json:"Actions,omitempty"`
}

func (a *Api) handleGetUpdateService() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := &updateServiceResponse{
			ODataType:            "#UpdateService.v1_11_1.UpdateService",
			ODataID:              updateServiceURI,
			ID:                   "UpdateService",
			Description:          "Service for Software Update",
			Name:                 "Update Service",
			HttpPushUri:          updateURI,
			MultipartHttpPushUri: updateURI,
			ServiceEnabled:       true,
			MaxImageSizeBytes:    a.maxImageSize,
			FirmwareInventory:    odataID{ID: firmwareInventoryURI},
		}

		if a.simpleUpdate {
			res.Actions = &updateServiceActions{
				SimpleUpdate: &simpleUpdateAction{
					Target:                     simpleUpdateURI,
					TransferProtocolAllowables: []string{updater.TransferProtocolTFTP},
				},
			}
		}

		applyTime, err := a.updater.ApplyTime(r.Context())
		switch {
		case errors.Is(err, updater.ErrNoUpdater):
		case err != nil:
			a.log.Errorf("Could not read apply time: %v", err)
			a.jsonError(w, messages.InternalError())
			return
		case applyTime != "":
			res.HttpPushUriOptions = &pushURIOptions{
				HttpPushUriApplyTime: &applyTimeOption{ApplyTime: applyTime},
			}
		}

		a.jsonResponse(w, res, http.StatusOK)
	}
}

type patchUpdateServiceRequest struct {
	HttpPushUriOptions *pushURIOptions `json:"HttpPushUriOptions"`
}

func (a *Api) handlePatchUpdateService() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := patchUpdateServiceRequest{}
		err := json.NewDecoder(io.LimitReader(r.Body, multipartMemory)).Decode(&req)
		if err != nil {
			a.log.Debugf("Could not decode update service patch: %v", err)
			a.jsonError(w, messages.MalformedJSON())
			return
		}

		if req.HttpPushUriOptions == nil || req.HttpPushUriOptions.HttpPushUriApplyTime == nil ||
			req.HttpPushUriOptions.HttpPushUriApplyTime.ApplyTime == "" {
			a.success(w)
			return
		}

		err = a.updater.SetApplyTime(r.Context(), req.HttpPushUriOptions.HttpPushUriApplyTime.ApplyTime)
		if err != nil {
			a.updateError(w, err)
			return
		}

		a.success(w)
	}
}

type taskAccepted struct {
	ODataID    string      `json:"@odata.id"`
	ODataType  string      `json:"@odata.type"`
	ID         string      `json:"Id"`
	TaskState  task.State  `json:"TaskState"`
	TaskStatus task.Status `json:"TaskStatus"`
}

func (a *Api) handlePostUpdate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > a.maxImageSize {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, a.maxImageSize)

		contentType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			contentType = ""
		}

		var req *updater.Request

		switch strings.ToLower(contentType) {
		case "application/octet-stream":
			req = &updater.Request{
				Image:     r.Body,
				ImageSize: r.ContentLength,
				Payload:   task.NewPayload(r, nil),
			}

		case "multipart/form-data":
			defer a.removeMultipartForm(r)

			var ok bool
			req, ok = a.multipartRequest(w, r)
			if !ok {
				return
			}

			if closer, ok := req.Image.(io.Closer); ok {
				defer closer.Close()
			}

		default:
			a.log.Debugf("Bad content type specified: %v", contentType)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		req.TargetURI = updateServiceURI
		req.Response = updater.NewResponse()

		err = a.updater.BeginUpdate(r.Context(), req)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			}

			a.log.Infof("Update rejected: %v", err)
			a.updateError(w, err)
			return
		}

		outcome, err := req.Response.Wait(r.Context())
		if err != nil {
			a.log.Infof("Client left before the update was accepted: %v", err)
			return
		}

		if outcome.Err != nil {
			a.updateError(w, outcome.Err)
			return
		}

		a.taskAccepted(w, outcome.Task)
	}
}

func (a *Api) taskAccepted(w http.ResponseWriter, s *task.Snapshot) {
	id := taskID(s)

	w.Header().Set("Location", tasksURI+"/"+id+"/Monitor")
	w.Header().Set("Retry-After", updater.RetryAfter)

	a.jsonResponse(w, &taskAccepted{
		ODataID:    tasksURI + "/" + id,
		ODataType:  taskType,
		ID:         id,
		TaskState:  s.State,
		TaskStatus: s.Status,
	}, http.StatusAccepted)
}

type updateParameters struct {
	Targets   *[]string `json:"Targets"`
	ApplyTime string    `json:"@Redfish.OperationApplyTime"`
}

// multipartRequest validates an UpdateParameters/UpdateFile form and applies
// the requested apply time. It responds itself when the form is rejected.
func (a *Api) multipartRequest(w http.ResponseWriter, r *http.Request) (*updater.Request, bool) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return nil, false
		}

		a.log.Infof("Could not parse multipart form: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}

	form := r.MultipartForm

	var (
		rawParams []byte
		params    updateParameters
	)

	if values := form.Value["UpdateParameters"]; len(values) > 0 {
		rawParams = []byte(values[0])
	} else if files := form.File["UpdateParameters"]; len(files) > 0 {
		var err error
		rawParams, err = readPart(files[0])
		if err != nil {
			a.log.Errorf("Could not read UpdateParameters: %v", err)
			a.jsonError(w, messages.InternalError())
			return nil, false
		}
	}

	if rawParams != nil {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			a.log.Infof("Could not decode UpdateParameters: %v", err)
			a.jsonError(w, messages.MalformedJSON())
			return nil, false
		}
	}

	if params.Targets == nil {
		a.jsonError(w, messages.PropertyMissing("targets"))
		return nil, false
	}

	targets := *params.Targets
	if len(targets) != 1 {
		value, _ := json.Marshal(targets)
		a.jsonError(w, messages.PropertyValueFormatError(string(value), "Targets"))
		return nil, false
	}

	if targets[0] != managerTarget {
		a.jsonError(w, messages.PropertyValueNotInList(targets[0], "Targets"))
		return nil, false
	}

	applyTime := params.ApplyTime
	if applyTime == "" {
		applyTime = updater.ApplyTimeOnReset
	}

	// written by the updater once the upload holds the session
	if _, err := updater.ApplyTimeValue(applyTime); err != nil {
		a.updateError(w, err)
		return nil, false
	}

	var image io.Reader
	size := int64(-1)

	if files := form.File["UpdateFile"]; len(files) > 0 {
		f, err := files[0].Open()
		if err != nil {
			a.log.Errorf("Could not open UpdateFile: %v", err)
			a.jsonError(w, messages.InternalError())
			return nil, false
		}
		image = f
		size = files[0].Size
	} else if values := form.Value["UpdateFile"]; len(values) > 0 {
		image = strings.NewReader(values[0])
		size = int64(len(values[0]))
	} else {
		a.log.Errorf("Upload data is NULL")
		a.jsonError(w, messages.PropertyMissing("UpdateFile"))
		return nil, false
	}

	return &updater.Request{
		Image:     image,
		ImageSize: size,
		ApplyTime: applyTime,
		Payload:   task.NewPayload(r, rawParams),
	}, true
}

func (a *Api) removeMultipartForm(r *http.Request) {
	if r.MultipartForm == nil {
		return
	}

	if err := r.MultipartForm.RemoveAll(); err != nil {
		a.log.Warnf("Could not remove multipart form: %v", err)
	}
}

func readPart(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}

type simpleUpdateRequest struct {
	ImageURI         *string `json:"ImageURI"`
	TransferProtocol string  `json:"TransferProtocol"`
}

func (a *Api) handlePostSimpleUpdate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, multipartMemory))
		if err != nil {
			a.log.Errorf("Could not read SimpleUpdate request: %v", err)
			a.jsonError(w, messages.InternalError())
			return
		}

		req := simpleUpdateRequest{}
		if err := json.Unmarshal(body, &req); err != nil {
			a.jsonError(w, messages.MalformedJSON())
			return
		}

		if req.ImageURI == nil {
			a.jsonError(w, messages.ActionParameterMissing("UpdateService.SimpleUpdate", "ImageURI"))
			return
		}

		a.log.Debugf("Enter UpdateService.SimpleUpdate doPost")

		err = a.updater.SimpleUpdate(r.Context(), &updater.TransferRequest{
			ImageURI:         *req.ImageURI,
			TransferProtocol: req.TransferProtocol,
			Payload:          task.NewPayload(r, body),
		})
		if err != nil {
			a.updateError(w, err)
			return
		}

		a.success(w)
	}
}
