package api

import (
	"net/http"

	"github.com/go-errors/errors"
	"github.com/gorilla/mux"
	"github.com/lijl44/stdOpneBMCWeb/inventory"
	"github.com/lijl44/stdOpneBMCWeb/messages"
)

type softwareStatus struct {
	State        string `json:"State"`
	Health       string `json:"Health"`
	HealthRollup string `json:"HealthRollup"`
}

type softwareInventoryResponse struct {
	ODataID          string         `json:"@odata.id"`
	ODataType        string         `json:"@odata.type"`
	ID               string         `json:"Id"`
	Name             string         `json:"Name"`
	Description      string         `json:"Description"`
	Version          string         `json:"Version"`
	Updateable       bool           `json:"Updateable"`
	Status           softwareStatus `json:"Status"`
	RelatedItem      []odataID      `json:"RelatedItem"`
	RelatedItemCount int            `json:"RelatedItem@odata.count"`
}

func (a *Api) handleGetFirmwareInventory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := a.inventory.IDs(r.Context())
		if err != nil {
			a.log.Errorf("Could not list firmware inventory: %v", err)
			a.jsonError(w, messages.InternalError())
			return
		}

		res := &collectionResponse{
			ODataID:   firmwareInventoryURI,
			ODataType: "#SoftwareInventoryCollection.SoftwareInventoryCollection",
			Name:      "Software Inventory Collection",
			Members:   make([]odataID, 0, len(ids)),
		}

		for _, id := range ids {
			res.Members = append(res.Members, odataID{ID: firmwareInventoryURI + "/" + id})
		}
		res.MembersCount = len(res.Members)

		a.jsonResponse(w, res, http.StatusOK)
	}
}

func (a *Api) handleGetSoftwareInventory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		uri := firmwareInventoryURI + "/" + id

		item, err := a.inventory.Get(r.Context(), id)
		if errors.Is(err, inventory.ErrNotFound) {
			a.jsonError(w, messages.ResourceMissingAtURI(uri))
			return
		}
		if err != nil {
			a.log.Errorf("Could not read software inventory %v: %v", id, err)
			a.jsonError(w, messages.InternalError())
			return
		}

		res := &softwareInventoryResponse{
			ODataID:     uri,
			ODataType:   "#SoftwareInventory.v1_1_0.SoftwareInventory",
			ID:          item.ID,
			Name:        "Software Inventory",
			Description: item.Description,
			Version:     item.Version,
			Updateable:  item.Updateable,
			Status: softwareStatus{
				State:        item.Status.State,
				Health:       item.Status.Health,
				HealthRollup: "OK",
			},
			RelatedItem: make([]odataID, 0, len(item.RelatedItem)),
		}

		for _, related := range item.RelatedItem {
			res.RelatedItem = append(res.RelatedItem, odataID{ID: related})
		}
		res.RelatedItemCount = len(res.RelatedItem)

		a.jsonResponse(w, res, http.StatusOK)
	}
}
