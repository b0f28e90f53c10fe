package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/OFFIS-RIT/strata/pkg/graph"
	"github.com/OFFIS-RIT/strata/pkg/vectorsync"

	"github.com/go-playground/validator"
)

// ErrInvalidMessage marks messages that can never succeed. They skip the
// retry queue and go straight to the dead letter queue.
var ErrInvalidMessage = errors.New("invalid message")

var validate = validator.New()

// DocumentRef names one document of a build. Text is used as is when set,
// otherwise the document is read from the document source by Key.
type DocumentRef struct {
	Key    string               `json:"key" validate:"required_without=Text"`
	Name   string               `json:"name,omitempty"`
	Text   string               `json:"text,omitempty"`
	Format graph.DocumentFormat `json:"format,omitempty" validate:"omitempty,oneof=text csv"`
}

func (d DocumentRef) displayName() string {
	if d.Name != "" {
		return d.Name
	}
	return path.Base(d.Key)
}

func (d DocumentRef) format() graph.DocumentFormat {
	if d.Format != "" {
		return d.Format
	}
	if strings.EqualFold(path.Ext(d.Key), ".csv") {
		return graph.FormatCSV
	}
	return graph.FormatText
}

// BuildMsg asks the worker to ingest documents. Prefix adds every object of
// the document source below it.
type BuildMsg struct {
	KnowledgeBase string        `json:"knowledge_base" validate:"required"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Documents     []DocumentRef `json:"documents,omitempty" validate:"dive"`
	Prefix        string        `json:"prefix,omitempty"`
}

type RebuildMsg struct {
	KnowledgeBase string `json:"knowledge_base" validate:"required"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// BuildEvent is published on the events exchange after every build.
type BuildEvent struct {
	KnowledgeBase string             `json:"knowledge_base"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	Report        *graph.BuildReport `json:"report"`
	RebuildError  string             `json:"rebuild_error,omitempty"`
}

func decode(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

func decodeBuild(body []byte) (*BuildMsg, error) {
	msg := new(BuildMsg)
	if err := decode(body, msg); err != nil {
		return nil, err
	}
	if len(msg.Documents) == 0 && msg.Prefix == "" {
		return nil, fmt.Errorf("%w: build without documents", ErrInvalidMessage)
	}
	return msg, nil
}

func decodeRebuild(body []byte) (*RebuildMsg, error) {
	msg := new(RebuildMsg)
	if err := decode(body, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeVectorJob(body []byte) (*vectorsync.Job, error) {
	job := new(vectorsync.Job)
	if err := decode(body, job); err != nil {
		return nil, err
	}
	return job, nil
}
