// Package intake turns work-queue messages into dispatched, recorded jobs.
//
// Delivery is at-least-once. A message is acknowledged only after the job
// it describes is in the ledger (submitted, or failed on the last delivery),
// and a redelivered message maps to the same job id, so each message yields
// exactly one ledger entry.
package intake

import (
	"encoding/json"
	"hpcorchestrator/internal/apperrors"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Message is the queue payload producers send.
type Message struct {
	JobID                    string `json:"jobId"`
	InputTransferDescriptor  string `json:"inputTransferDescriptor"`
	OutputTransferDescriptor string `json:"outputTransferDescriptor"`
	StorageInputKey          string `json:"storageInputKey,omitempty"`
	// R2Key is the older name of StorageInputKey.
	R2Key   string `json:"r2Key,omitempty"`
	OwnerID string `json:"ownerId,omitempty"`
}

var jobIDNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:hpcorchestrator:intake"))

// Decode parses a delivery body. Malformed bodies are validation errors.
func Decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, apperrors.Validation("body", "malformed intake message: "+err.Error())
	}
	m.JobID = strings.TrimSpace(m.JobID)
	return m, nil
}

// ResolveJobID returns the message's job id, or a UUIDv5 of the queue
// message id when the producer sent none.
func (m Message) ResolveJobID(messageID string) string {
	if m.JobID != "" {
		return m.JobID
	}
	return uuid.NewSHA1(jobIDNamespace, []byte(messageID)).String()
}

// StorageKey returns the blob key of the input document. Without an
// explicit key it is the input descriptor's path; the query string is
// dropped because presigned URLs carry credentials there. For storage
// schemes such as s3:// the host is the bucket and leads the key.
func (m Message) StorageKey() string {
	if m.StorageInputKey != "" {
		return m.StorageInputKey
	}
	if m.R2Key != "" {
		return m.R2Key
	}
	if m.InputTransferDescriptor == "" {
		return ""
	}
	u, err := url.Parse(m.InputTransferDescriptor)
	if err != nil {
		return ""
	}
	key := strings.TrimPrefix(u.Path, "/")
	switch u.Scheme {
	case "http", "https", "":
		return key
	}
	if u.Host == "" {
		return key
	}
	if key == "" {
		return u.Host
	}
	return u.Host + "/" + key
}
