// Package workflow owns the workflow graph model and its persistence:
// workflows, immutable versions, variables, triggers, and templates.
package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Node type names dispatched by the handler registry. AI and connector
// nodes use prefixes so "ai_completion" and "connector_slack" both
// resolve without the registry enumerating every variant.
const (
	NodeTypeDelay       = "delay"
	NodeTypeCondition   = "condition"
	NodeTypeVariable    = "variable"
	NodeTypeEmail       = "email"
	NodeTypeWebhook     = "webhook"
	NodeTypeHTTPRequest = "http_request"

	NodeTypePrefixAI        = "ai_"
	NodeTypePrefixConnector = "connector_"
)

// Definition is a workflow's directed graph.
type Definition struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node is one vertex of the graph. Config is decoded into the variant
// matching Type; unrecognized types keep their raw JSON so foreign
// definitions round-trip unchanged.
type Node struct {
	ID     string     `json:"id"`
	Type   string     `json:"type"`
	Name   string     `json:"name,omitempty"`
	Config NodeConfig `json:"config"`
}

// Edge connects two nodes. An empty Condition always passes; otherwise
// it is a boolean expression evaluated against the execution context.
type Edge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
}

// NodeConfig is the closed set of per-type node configurations.
type NodeConfig interface {
	nodeConfig()
}

// AIConfig drives ai_* nodes.
type AIConfig struct {
	Prompt       string  `json:"prompt"`
	Model        string  `json:"model,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
}

// ConnectorConfig drives connector_* nodes.
type ConnectorConfig struct {
	ConnectorID string         `json:"connector_id"`
	Action      string         `json:"action"`
	Params      map[string]any `json:"params,omitempty"`
}

// HTTPRequestConfig drives http_request nodes.
type HTTPRequestConfig struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// DelayConfig drives delay nodes.
type DelayConfig struct {
	Seconds float64 `json:"seconds"`
}

// ConditionConfig drives condition nodes.
type ConditionConfig struct {
	Expression string `json:"expression"`
}

// VariableConfig drives variable nodes.
type VariableConfig struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// EmailConfig drives email nodes.
type EmailConfig struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// WebhookConfig drives outbound webhook nodes.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload any               `json:"payload,omitempty"`
}

// UnknownConfig preserves the raw config of an unrecognized node type.
type UnknownConfig struct {
	Raw json.RawMessage
}

func (AIConfig) nodeConfig()          {}
func (ConnectorConfig) nodeConfig()   {}
func (HTTPRequestConfig) nodeConfig() {}
func (DelayConfig) nodeConfig()       {}
func (ConditionConfig) nodeConfig()   {}
func (VariableConfig) nodeConfig()    {}
func (EmailConfig) nodeConfig()       {}
func (WebhookConfig) nodeConfig()     {}
func (UnknownConfig) nodeConfig()     {}

func (u UnknownConfig) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return []byte("{}"), nil
	}
	return u.Raw, nil
}

// UnmarshalJSON decodes the config variant selected by the node type.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID     string          `json:"id"`
		Type   string          `json:"type"`
		Name   string          `json:"name"`
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	n.ID = raw.ID
	n.Type = raw.Type
	n.Name = raw.Name

	cfg := raw.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}

	decode := func(dst NodeConfig) error {
		if err := json.Unmarshal(cfg, dst); err != nil {
			return fmt.Errorf("node %q: decode %s config: %w", n.ID, n.Type, err)
		}
		return nil
	}

	switch {
	case strings.HasPrefix(raw.Type, NodeTypePrefixAI):
		c := &AIConfig{}
		if err := decode(c); err != nil {
			return err
		}
		n.Config = *c
	case strings.HasPrefix(raw.Type, NodeTypePrefixConnector):
		c := &ConnectorConfig{}
		if err := decode(c); err != nil {
			return err
		}
		n.Config = *c
	case raw.Type == NodeTypeHTTPRequest:
		c := &HTTPRequestConfig{}
		if err := decode(c); err != nil {
			return err
		}
		n.Config = *c
	case raw.Type == NodeTypeDelay:
		c := &DelayConfig{}
		if err := decode(c); err != nil {
			return err
		}
		n.Config = *c
	case raw.Type == NodeTypeCondition:
		c := &ConditionConfig{}
		if err := decode(c); err != nil {
			return err
		}
		n.Config = *c
	case raw.Type == NodeTypeVariable:
		c := &VariableConfig{}
		if err := decode(c); err != nil {
			return err
		}
		n.Config = *c
	case raw.Type == NodeTypeEmail:
		c := &EmailConfig{}
		if err := decode(c); err != nil {
			return err
		}
		n.Config = *c
	case raw.Type == NodeTypeWebhook:
		c := &WebhookConfig{}
		if err := decode(c); err != nil {
			return err
		}
		n.Config = *c
	default:
		n.Config = UnknownConfig{Raw: append(json.RawMessage(nil), cfg...)}
	}
	return nil
}

// ParseDefinition decodes and normalizes a raw graph definition.
func ParseDefinition(raw []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	if def.Nodes == nil {
		def.Nodes = []Node{}
	}
	if def.Edges == nil {
		def.Edges = []Edge{}
	}
	return &def, nil
}

// Encode renders the definition back to normalized JSON.
func (d *Definition) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// NodeByID returns the node with the given id, or nil.
func (d *Definition) NodeByID(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// InboundEdges returns the edges targeting a node.
func (d *Definition) InboundEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.Target == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// OutboundEdges returns the edges leaving a node.
func (d *Definition) OutboundEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}
