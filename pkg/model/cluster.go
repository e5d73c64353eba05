package model

import (
	"encoding/json"
	"fmt"
)

// AutoscalingStatus is the document the autoscaler writes to the KV store.
type AutoscalingStatus struct {
	Report *ClusterStatus `json:"autoscaler_report"`
}

// ClusterStatus summarises node counts per node type.
type ClusterStatus struct {
	ActiveNodes  map[string]int `json:"active_nodes"`
	FailedNodes  []FailedNode   `json:"failed_nodes"`
	PendingNodes []PendingNode  `json:"pending_nodes"`
}

// FailedNode is encoded as a [ip, node_type] pair.
type FailedNode struct {
	IP       string
	NodeType string
}

// UnmarshalJSON decodes the [ip, node_type] pair form.
func (n *FailedNode) UnmarshalJSON(b []byte) error {
	var pair []string
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) < 2 {
		return fmt.Errorf("failed node: want [ip, node_type], got %d elements", len(pair))
	}
	n.IP, n.NodeType = pair[0], pair[1]
	return nil
}

// MarshalJSON encodes the node as a [ip, node_type] pair.
func (n FailedNode) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{n.IP, n.NodeType})
}

// PendingNode is encoded as a [ip, node_type, status] triple.
type PendingNode struct {
	IP       string
	NodeType string
	Status   string
}

// UnmarshalJSON decodes the [ip, node_type, status] triple form.
func (n *PendingNode) UnmarshalJSON(b []byte) error {
	var triple []string
	if err := json.Unmarshal(b, &triple); err != nil {
		return err
	}
	if len(triple) < 2 {
		return fmt.Errorf("pending node: want [ip, node_type, status], got %d elements", len(triple))
	}
	n.IP, n.NodeType = triple[0], triple[1]
	if len(triple) > 2 {
		n.Status = triple[2]
	}
	return nil
}

// MarshalJSON encodes the node as a [ip, node_type, status] triple.
func (n PendingNode) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{n.IP, n.NodeType, n.Status})
}

// ParseAutoscalingStatus decodes the autoscaler document. A document without a
// report yields a nil status.
func ParseAutoscalingStatus(b []byte) (*ClusterStatus, error) {
	var s AutoscalingStatus
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse autoscaling status: %w", err)
	}
	return s.Report, nil
}
