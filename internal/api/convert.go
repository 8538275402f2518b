package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ariastack/aria-engine/internal/models"
	"github.com/ariastack/aria-engine/internal/services"
	"github.com/ariastack/aria-engine/internal/utils"
)

// AlertFromStruct decodes and validates an alert carried as a Struct.
func AlertFromStruct(s *structpb.Struct) (models.Alert, error) {
	if s == nil {
		return models.Alert{}, utils.NewAppError("decode alert", "request is nil", services.ErrInvalidAlert)
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return models.Alert{}, fmt.Errorf("encode struct: %w", err)
	}
	return services.DecodeAlert(data)
}

// AlertToStruct encodes alert as a Struct.
func AlertToStruct(alert models.Alert) (*structpb.Struct, error) {
	return toStruct(alert)
}

// EventToStruct encodes a pipeline event as a Struct with the HTTP stream's
// JSON shape.
func EventToStruct(ev models.PipelineEvent) (*structpb.Struct, error) {
	return toStruct(ev)
}

// EventFromStruct decodes a pipeline event from a Struct.
func EventFromStruct(s *structpb.Struct) (models.PipelineEvent, error) {
	if s == nil {
		return models.PipelineEvent{}, errors.New("event is nil")
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return models.PipelineEvent{}, fmt.Errorf("encode struct: %w", err)
	}
	var ev models.PipelineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.PipelineEvent{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return structpb.NewStruct(fields)
}
