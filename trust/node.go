package trust

import (
	"strings"
	"time"
)

// NodeType categorises the entity behind a trust node.
type NodeType string

const (
	NodeIndividual   NodeType = "individual"
	NodeChurch       NodeType = "church"
	NodeMission      NodeType = "mission"
	NodeFamily       NodeType = "family"
	NodeOrganization NodeType = "organization"
)

// ValidNodeType reports whether the value is one of the known types.
func ValidNodeType(value NodeType) bool {
	switch value {
	case NodeIndividual, NodeChurch, NodeMission, NodeFamily, NodeOrganization:
		return true
	default:
		return false
	}
}

// DisplayMode gates which display fields a node exposes.
type DisplayMode string

const (
	// DisplayPeacetime shows the real public name.
	DisplayPeacetime DisplayMode = "peacetime"
	// DisplayUnderground shows only the alias or pseudonym.
	DisplayUnderground DisplayMode = "underground"
)

// TrustNode is the directory identity record. It is mutated only through
// registration and liveness updates.
type TrustNode struct {
	NodeID      string      `json:"node_id"`
	PublicKey   string      `json:"public_key"`
	PublicName  string      `json:"public_name"`
	Alias       string      `json:"alias,omitempty"`
	Bio         string      `json:"bio,omitempty"`
	Location    string      `json:"location,omitempty"`
	DisplayMode DisplayMode `json:"display_mode"`
	Type        NodeType    `json:"type"`
	IsHub       bool        `json:"is_hub"`
	VouchedBy   string      `json:"vouched_by,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	LastSeen    time.Time   `json:"last_seen"`
}

// DisplayName selects the name appropriate for the node's display mode.
// Underground nodes never leak their public name.
func (n *TrustNode) DisplayName() string {
	if n == nil {
		return ""
	}
	if n.DisplayMode == DisplayUnderground {
		return strings.TrimSpace(n.Alias)
	}
	return strings.TrimSpace(n.PublicName)
}

// RegisterNodeRequest is the signed registration wire message. The signature
// covers the canonical payload nonce|timestamp|public_key|public_name|type.
type RegisterNodeRequest struct {
	PublicKey   string      `json:"public_key"`
	PublicName  string      `json:"public_name"`
	Type        NodeType    `json:"type"`
	Alias       string      `json:"alias,omitempty"`
	Bio         string      `json:"bio,omitempty"`
	Location    string      `json:"location,omitempty"`
	DisplayMode DisplayMode `json:"display_mode"`
	Timestamp   string      `json:"timestamp"`
	Nonce       string      `json:"nonce"`
	Signature   string      `json:"signature"`
}
