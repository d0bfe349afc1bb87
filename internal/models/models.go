// Package models defines the view types shared by the HTTP API, the MCP
// server and the SSE broker.
package models

import "time"

// EntityView is the JSON form of a local entity.
type EntityView struct {
	ID         int64              `json:"id"`
	Type       string             `json:"type"`
	RecordName string             `json:"record_name,omitempty"`
	Pending    bool               `json:"pending"`
	Values     map[string]any     `json:"values"`
	ToOne      map[string]int64   `json:"to_one,omitempty"`
	ToMany     map[string][]int64 `json:"to_many,omitempty"`
}

// AttributeView describes one declared attribute.
type AttributeView struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Default any    `json:"default,omitempty"`
	System  bool   `json:"system,omitempty"`
}

// RelationshipView describes one declared relationship.
type RelationshipView struct {
	Name        string `json:"name"`
	Destination string `json:"destination"`
	ToMany      bool   `json:"to_many"`
	Transient   bool   `json:"transient,omitempty"`
	DeleteRule  string `json:"delete_rule"`
}

// TypeView describes one entity type.
type TypeView struct {
	Name          string             `json:"name"`
	RecordType    string             `json:"record_type"`
	Attributes    []AttributeView    `json:"attributes"`
	Relationships []RelationshipView `json:"relationships"`
}

// SyncResult summarises one push or pull.
type SyncResult struct {
	Type      string    `json:"type"`
	Direction string    `json:"direction"`
	Records   int       `json:"records"`
	Confirmed int       `json:"confirmed"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
