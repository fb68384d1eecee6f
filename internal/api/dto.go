package api

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/guardian/internal/apperr"
	"github.com/starford/guardian/internal/flowservice"
	"github.com/starford/guardian/internal/nodeservice"
	"github.com/starford/guardian/internal/timeline"
)

func invalid(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%v: %w", err, apperr.ErrInvalid)
}

// CreateNodeRequest is the request body for adding a timeline node. An empty
// parentId creates the root. ID is only honoured for draft nodes.
type CreateNodeRequest struct {
	ID              string `json:"id,omitempty" example:"wake-up"`
	ParentID        string `json:"parentId,omitempty" example:"3f0c..."`
	Title           string `json:"title" example:"Leave the house" validate:"required"`
	Kind            string `json:"kind" example:"action" validate:"required"`
	DefaultDuration *int64 `json:"defaultDuration,omitempty" example:"600000"`
}

// Validate checks the request fields.
func (r *CreateNodeRequest) Validate() error {
	return invalid(validation.ValidateStruct(r,
		validation.Field(&r.Title, validation.Required, validation.Length(1, 500)),
		validation.Field(&r.Kind, validation.Required, validation.In(string(timeline.KindAction), string(timeline.KindDecision))),
		validation.Field(&r.DefaultDuration, validation.Min(int64(0))),
		validation.Field(&r.ID, validation.Length(0, 128)),
	))
}

// UpdateNodeRequest is the request body for patching a timeline node. Absent
// fields are left untouched; an empty chosenChildId clears the selection.
type UpdateNodeRequest struct {
	Title           *string `json:"title,omitempty" example:"Leave later"`
	DefaultDuration *int64  `json:"defaultDuration,omitempty" example:"900000"`
	ClearDuration   bool    `json:"clearDuration,omitempty"`
	ChosenChildID   *string `json:"chosenChildId,omitempty"`
}

// Validate checks the request fields.
func (r *UpdateNodeRequest) Validate() error {
	return invalid(validation.ValidateStruct(r,
		validation.Field(&r.Title, validation.NilOrNotEmpty, validation.Length(1, 500)),
		validation.Field(&r.DefaultDuration, validation.Min(int64(0))),
	))
}

// Patch converts the request into a graph patch.
func (r *UpdateNodeRequest) Patch() timeline.Patch {
	return timeline.Patch{
		Title:           r.Title,
		DefaultDuration: r.DefaultDuration,
		ClearDuration:   r.ClearDuration,
		ChosenChildID:   r.ChosenChildID,
	}
}

// FlowRequest is the request body for creating or replacing a flow.
type FlowRequest struct {
	Name  string             `json:"name" example:"Morning routine"`
	Nodes []flowservice.Node `json:"nodes"`
	Edges []flowservice.Edge `json:"edges"`
}

// Body returns the editable content of the request.
func (r *FlowRequest) Body() flowservice.Body {
	return flowservice.Body{Nodes: r.Nodes, Edges: r.Edges}
}

// Validate checks the request fields.
func (r *FlowRequest) Validate() error {
	return invalid(validation.ValidateStruct(r,
		validation.Field(&r.Name, validation.Length(0, 200)),
	))
}

// NodeDetail is the stored node response type (aliased from the domain layer).
type NodeDetail = nodeservice.NodeDetail

// TimelineView is the stored timeline response type (aliased from the domain layer).
type TimelineView = nodeservice.TimelineView

// ActivePathResponse lists the nodes on the selected branch.
type ActivePathResponse struct {
	Nodes         []timeline.Node `json:"nodes" validate:"required"`
	TotalDuration int64           `json:"totalDuration" example:"3600000"`
}

// DeleteNodeResponse lists the ids removed by a delete.
type DeleteNodeResponse struct {
	Removed []string `json:"removed" validate:"required"`
}

// FlowListResponse wraps flow listings.
type FlowListResponse struct {
	Flows []flowservice.Flow `json:"flows" validate:"required"`
}
