// Package authoring converts the node graph produced by the visual workflow
// editor into the dense step sequence the engine executes.
package authoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/leadflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

// Output port names. Every node has a single input port named "in".
const (
	PortIn    = "in"
	PortOut   = "out"
	PortTrue  = "true"
	PortFalse = "false"
)

var (
	ErrInvalidCanvas   = errors.New("invalid canvas")
	ErrCycle           = errors.New("canvas contains a cycle")
	ErrMultipleEntries = errors.New("canvas must have exactly one entry node")
)

// Node is one step on the canvas.
type Node struct {
	ID         string               `json:"id"`
	Type       models.ActionType    `json:"type"`
	Name       string               `json:"name,omitempty"`
	PositionX  int                  `json:"position_x"`
	PositionY  int                  `json:"position_y"`
	DelayDays  int                  `json:"delay_days"`
	Email      *models.EmailAction  `json:"email,omitempty"`
	Condition  *ConditionConfig     `json:"condition,omitempty"`
	NextStatus models.ContactStatus `json:"next_status,omitempty"`
}

// ConditionConfig is the predicate of a condition node; its destinations are
// the edges leaving the true and false ports.
type ConditionConfig struct {
	ConditionType models.ConditionType `json:"condition_type"`
	Expression    string               `json:"expression,omitempty"`
}

// Connection links an output port to an input port, both written as
// "{node_id}:{port_name}".
type Connection struct {
	SourcePort string `json:"source_port"`
	TargetPort string `json:"target_port"`
}

type Canvas struct {
	Nodes       []*Node       `json:"nodes"`
	Connections []*Connection `json:"connections"`
}

// Parse validates a canvas document against the canvas schema and decodes it.
func Parse(data []byte) (*Canvas, error) {
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(canvasSchema), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCanvas, err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}

		return nil, fmt.Errorf("%w: %s", ErrInvalidCanvas, strings.Join(messages, "; "))
	}

	var canvas Canvas

	err = json.Unmarshal(data, &canvas)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCanvas, err)
	}

	return &canvas, nil
}

// FromSteps lays a step sequence out as a canvas, one node per row, so the
// editor can open workflows authored through the step list.
func FromSteps(steps []*models.Step) *Canvas {
	canvas := &Canvas{
		Nodes:       make([]*Node, 0, len(steps)),
		Connections: make([]*Connection, 0, len(steps)),
	}

	nodeID := func(order int) string { return fmt.Sprintf("step-%d", order) }
	link := func(from int, port string, to int) {
		if to > len(steps) {
			return
		}

		canvas.Connections = append(canvas.Connections, &Connection{
			SourcePort: portID(nodeID(from), port),
			TargetPort: portID(nodeID(to), PortIn),
		})
	}

	for _, step := range steps {
		node := &Node{
			ID:         nodeID(step.Order),
			Type:       step.ActionType,
			PositionY:  step.Order * 100,
			DelayDays:  step.DelayDays,
			Email:      step.Email,
			NextStatus: step.NextStatus,
		}

		if step.ActionType == models.ActionCondition && step.Condition != nil {
			node.Condition = &ConditionConfig{
				ConditionType: step.Condition.ConditionType,
				Expression:    step.Condition.Expression,
			}

			link(step.Order, PortTrue, step.Successor(true))
			link(step.Order, PortFalse, step.Successor(false))
		} else {
			link(step.Order, PortOut, step.Successor(true))
		}

		canvas.Nodes = append(canvas.Nodes, node)
	}

	return canvas
}

func portID(nodeID, port string) string {
	return nodeID + ":" + port
}

// parsePortID splits "{node_id}:{port_name}" at the last colon.
func parsePortID(id string) (string, string, bool) {
	i := strings.LastIndexByte(id, ':')
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}

	return id[:i], id[i+1:], true
}

const canvasSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"enum": ["send_email", "wait", "condition", "set_status"]},
          "name": {"type": "string"},
          "position_x": {"type": "integer"},
          "position_y": {"type": "integer"},
          "delay_days": {"type": "integer", "minimum": 0},
          "email": {
            "type": "object",
            "required": ["email_type"],
            "properties": {
              "email_type": {"type": "string", "minLength": 1},
              "tone": {"type": "string"},
              "ai_hint": {"type": "string"}
            }
          },
          "condition": {
            "type": "object",
            "required": ["condition_type"],
            "properties": {
              "condition_type": {"enum": ["email_opened", "email_clicked", "reply_received", "no_response", "expression"]},
              "expression": {"type": "string"}
            }
          },
          "next_status": {"type": "string"}
        }
      }
    },
    "connections": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source_port", "target_port"],
        "properties": {
          "source_port": {"type": "string", "pattern": "^.+:(out|true|false)$"},
          "target_port": {"type": "string", "pattern": "^.+:in$"}
        }
      }
    }
  }
}`
